package validator

import (
	"strings"
	"testing"
)

type offerPayload struct {
	HostName string `json:"host_name" validate:"required"`
	AgeGroup string `json:"age_group" validate:"required,age_group"`
	Format   string `json:"format" validate:"required,match_format"`
	Duration int    `json:"duration" validate:"required,match_duration"`
	Approver string `json:"approver_email" validate:"required,email"`
}

func TestValidateStructPasses(t *testing.T) {
	payload := offerPayload{
		HostName: "Alex",
		AgeGroup: "U12",
		Format:   "11v11",
		Duration: 90,
		Approver: "approver@example.com",
	}
	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidateStructReportsFieldNames(t *testing.T) {
	payload := offerPayload{
		AgeGroup: "U11",
		Format:   "6v6",
		Duration: 45,
		Approver: "not-an-email",
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation failure")
	}

	failures, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(failures) != 5 {
		t.Fatalf("expected 5 failures, got %d: %v", len(failures), failures)
	}

	msg := err.Error()
	for _, field := range []string{"host_name", "age_group", "format", "duration", "approver_email"} {
		if !strings.Contains(msg, field) {
			t.Fatalf("expected %q in error message %q", field, msg)
		}
	}
}
