package scram

import (
	"bytes"
	"testing"
)

func TestGenerate_Deterministic(t *testing.T) {
	salt := []byte("fixed-test-salt-1234")

	v1, err := Generate("hunter2", Options{Mechanism: MechanismSHA256, Iterations: MinIterations, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	v2, err := Generate("hunter2", Options{Mechanism: MechanismSHA256, Iterations: MinIterations, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if !bytes.Equal(v1.SaltedPassword, v2.SaltedPassword) {
		t.Errorf("Generate() with fixed salt produced different salted passwords: %x vs %x", v1.SaltedPassword, v2.SaltedPassword)
	}
	if !bytes.Equal(v1.Salt, salt) {
		t.Errorf("Generate() Salt = %x, want %x", v1.Salt, salt)
	}
	if v1.Iterations != MinIterations {
		t.Errorf("Generate() Iterations = %d, want %d", v1.Iterations, MinIterations)
	}
}

func TestGenerate_DifferentPasswordsDiffer(t *testing.T) {
	salt := []byte("fixed-test-salt-1234")

	v1, err := Generate("hunter2", Options{Mechanism: MechanismSHA256, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	v2, err := Generate("hunter3", Options{Mechanism: MechanismSHA256, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if bytes.Equal(v1.SaltedPassword, v2.SaltedPassword) {
		t.Error("Generate() produced identical salted passwords for different passwords")
	}
}

func TestGenerate_SHA512ProducesLongerKey(t *testing.T) {
	salt := []byte("fixed-test-salt-1234")

	v256, err := Generate("hunter2", Options{Mechanism: MechanismSHA256, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	v512, err := Generate("hunter2", Options{Mechanism: MechanismSHA512, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(v256.SaltedPassword) != 32 {
		t.Errorf("SHA-256 SaltedPassword length = %d, want 32", len(v256.SaltedPassword))
	}
	if len(v512.SaltedPassword) != 64 {
		t.Errorf("SHA-512 SaltedPassword length = %d, want 64", len(v512.SaltedPassword))
	}
}

func TestGenerate_RandomSaltWhenUnset(t *testing.T) {
	v1, err := Generate("hunter2", Options{Mechanism: MechanismSHA256})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	v2, err := Generate("hunter2", Options{Mechanism: MechanismSHA256})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(v1.Salt) != SaltSize {
		t.Errorf("Generate() Salt length = %d, want %d", len(v1.Salt), SaltSize)
	}
	if bytes.Equal(v1.Salt, v2.Salt) {
		t.Error("Generate() should produce distinct random salts across calls")
	}
}

func TestGenerate_DefaultsIterations(t *testing.T) {
	v, err := Generate("hunter2", Options{Mechanism: MechanismSHA256})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if v.Iterations != MinIterations {
		t.Errorf("Generate() default Iterations = %d, want %d", v.Iterations, MinIterations)
	}
}

func TestGenerate_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		password string
		opts     Options
		wantErr  string
	}{
		{
			name:     "empty password",
			password: "",
			opts:     Options{Mechanism: MechanismSHA256},
			wantErr:  "password",
		},
		{
			name:     "iterations below minimum",
			password: "hunter2",
			opts:     Options{Mechanism: MechanismSHA256, Iterations: 100},
			wantErr:  "iterations",
		},
		{
			name:     "unsupported mechanism",
			password: "hunter2",
			opts:     Options{Mechanism: Mechanism(99)},
			wantErr:  "mechanism",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.password, tt.opts)
			if err == nil {
				t.Fatal("Generate() expected error, got nil")
			}
			invalidErr, ok := err.(*InvalidInputError)
			if !ok {
				t.Fatalf("Generate() error type = %T, want *InvalidInputError", err)
			}
			if invalidErr.Field != tt.wantErr {
				t.Errorf("InvalidInputError.Field = %q, want %q", invalidErr.Field, tt.wantErr)
			}
		})
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	salt := []byte("fixed-test-salt-1234")
	v, err := Generate("hunter2", Options{Mechanism: MechanismSHA256, Salt: salt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	ok, err := Verify(v.SaltedPassword, "hunter2", v.Salt, v.Iterations, v.Mechanism)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() = false, want true for matching password")
	}

	ok, err = Verify(v.SaltedPassword, "wrong-password", v.Salt, v.Iterations, v.Mechanism)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Error("Verify() = true, want false for mismatched password")
	}
}

func TestVerify_RejectsIterationsBelowMinimum(t *testing.T) {
	_, err := Verify([]byte("x"), "hunter2", []byte("salt"), 100, MechanismSHA256)
	if err == nil {
		t.Fatal("Verify() expected error for sub-minimum iterations, got nil")
	}
}

func TestMechanism_String(t *testing.T) {
	tests := []struct {
		mech     Mechanism
		expected string
	}{
		{MechanismSHA256, "SCRAM-SHA-256"},
		{MechanismSHA512, "SCRAM-SHA-512"},
		{MechanismUnknown, "UNKNOWN"},
		{Mechanism(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.mech.String(); got != tt.expected {
			t.Errorf("Mechanism(%d).String() = %q, want %q", tt.mech, got, tt.expected)
		}
	}
}

func TestParseMechanism(t *testing.T) {
	tests := []struct {
		name     string
		expected Mechanism
	}{
		{"SCRAM-SHA-256", MechanismSHA256},
		{"scram-sha-256", MechanismSHA256},
		{"SCRAM-SHA-512", MechanismSHA512},
		{"sha512", MechanismSHA512},
		{"bogus", MechanismUnknown},
	}

	for _, tt := range tests {
		if got := ParseMechanism(tt.name); got != tt.expected {
			t.Errorf("ParseMechanism(%q) = %v, want %v", tt.name, got, tt.expected)
		}
	}
}
