package core

import (
	"fmt"
	"testing"
)

func TestBucketDeterminism(t *testing.T) {
	tests := []struct {
		identifier string
		salt       string
	}{
		{"u1", "flag/checkout-redesign"},
		{"u1", "experiment/checkout-redesign"},
		{"", "flag/anonymous"},
		{"user-with-long-identifier-0123456789", "flag/k"},
		{"ünïcode-user", "experiment/ünïcode-key"},
	}

	for _, test := range tests {
		name := fmt.Sprintf("%s/%s", test.identifier, test.salt)
		t.Run(name, func(t *testing.T) {
			first := Bucket(test.identifier, test.salt)
			for i := 0; i < 100; i++ {
				if got := Bucket(test.identifier, test.salt); got != first {
					t.Fatalf("Bucket(%q, %q) = %d on call %d, want %d", test.identifier, test.salt, got, i, first)
				}
			}
			if first < 0 || first >= 100 {
				t.Fatalf("Bucket(%q, %q) = %d, want value in [0,100)", test.identifier, test.salt, first)
			}
		})
	}
}

func TestBucketUniformity(t *testing.T) {
	const (
		identifiers = 10000
		deciles     = 10
		expected    = identifiers / deciles
		tolerance   = expected * 15 / 100
	)

	counts := make([]int, deciles)
	for i := 0; i < identifiers; i++ {
		bucket := Bucket(fmt.Sprintf("user-%d", i), FlagSalt("uniformity-check"))
		counts[bucket/10]++
	}

	for decile, count := range counts {
		if count < expected-tolerance || count > expected+tolerance {
			t.Fatalf("decile %d has %d identifiers, want %d±%d (counts: %v)", decile, count, expected, tolerance, counts)
		}
	}
}

func TestBucketIndependenceAcrossSalts(t *testing.T) {
	const users = 1000

	offsets := make(map[int]int)
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("user-%d", i)
		a := Bucket(id, FlagSalt("feature-a"))
		b := Bucket(id, FlagSalt("feature-b"))
		offsets[(a-b+100)%100]++
	}

	// A fixed offset between the two salts would collapse every user onto a
	// single diff value.
	if len(offsets) < 10 {
		t.Fatalf("buckets across salts show only %d distinct offsets, want many (correlated hashing)", len(offsets))
	}
}

func TestFlagAndExperimentSaltsDiffer(t *testing.T) {
	if FlagSalt("checkout") == ExperimentSalt("checkout") {
		t.Fatal("flag and experiment salts must differ for the same key")
	}
}
