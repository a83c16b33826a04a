package config

import "testing"

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Default() must be valid, got %v", err)
	}
}

func TestValidateRejectsBadQuality(t *testing.T) {
	c := Default()
	c.DefaultQuality = 0
	if err := Validate(c); err == nil {
		t.Fatal("expected an error for DefaultQuality == 0")
	}
}

func TestValidateRejectsZeroStageConcurrency(t *testing.T) {
	c := Default()
	c.MaxConcurrentPerStage[2] = 0
	if err := Validate(c); err == nil {
		t.Fatal("expected an error for a zero stage concurrency")
	}
}

func TestValidateRejectsUnknownDataCachePolicy(t *testing.T) {
	c := Default()
	c.DataCachePolicy = "bogus"
	if err := Validate(c); err == nil {
		t.Fatal("expected an error for an unknown data cache policy")
	}
}
