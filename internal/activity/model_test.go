package activity

import (
	"errors"
	"strings"
	"testing"
)

func TestParseOption(t *testing.T) {
	tests := []struct {
		raw     string
		want    Option
		wantErr bool
	}{
		{raw: "A", want: OptionA},
		{raw: " b ", want: OptionB},
		{raw: "", wantErr: true},
		{raw: "C", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			option, err := ParseOption(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrBadRequest) {
					t.Fatalf("expected bad request, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if option != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, option)
			}
		})
	}
}

func TestIdentifierLengthBoundary(t *testing.T) {
	longest := strings.Repeat("x", MaxIdentifierLength)
	if _, err := NewUserID(longest); err != nil {
		t.Fatalf("expected %d-character user id to be accepted: %v", MaxIdentifierLength, err)
	}
	if _, err := NewCardID(longest); err != nil {
		t.Fatalf("expected %d-character card id to be accepted: %v", MaxIdentifierLength, err)
	}
	if _, err := NewUserID(longest + "x"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request for overlong user id, got %v", err)
	}
	if _, err := NewCardID(longest + "x"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request for overlong card id, got %v", err)
	}
}

func TestRemoteSnapshotRecordsJoinSelections(t *testing.T) {
	snapshot := RemoteSnapshot{
		Global: map[string]Aggregate{
			"card-1": {CountA: 3, CountB: 1, Comments: []Comment{{ID: "c1", Text: "hi"}}},
		},
		UserSelections: map[string]Option{"card-1": OptionB, "card-2": OptionA},
	}
	records := snapshot.Records()
	if records["card-1"].CountA != 3 || records["card-1"].UserSelectedOption != OptionB {
		t.Fatalf("unexpected card-1 record %+v", records["card-1"])
	}
	if len(records["card-1"].Comments) != 1 {
		t.Fatalf("expected comments to carry over")
	}
	if records["card-2"].UserSelectedOption != OptionA || records["card-2"].CountA != 0 {
		t.Fatalf("unexpected card-2 record %+v", records["card-2"])
	}
}

func TestServiceErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewServiceError("activity.vote", "write_failed", ErrBackend, cause)
	if !errors.Is(err, ErrBackend) || !errors.Is(err, cause) {
		t.Fatalf("expected error to match kind and cause: %v", err)
	}
	if CodeOf(err) != "activity.vote.write_failed" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	inferred := NewServiceError("activity.comment", "invalid_request", nil, errors.Join(ErrBadRequest, cause))
	if KindOf(inferred) != ErrBadRequest {
		t.Fatalf("expected inferred bad request kind, got %v", KindOf(inferred))
	}
	if KindOf(cause) != ErrBackend {
		t.Fatalf("expected unknown errors to be backend errors")
	}
}
