package lifecycle

import (
	"errors"
	"testing"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to Status
		wantErr  bool
	}{
		{"active → archived", StatusActive, StatusArchived, false},
		{"active → deleted", StatusActive, StatusDeleted, false},
		{"archived → active", StatusArchived, StatusActive, false},
		{"archived → deleted", StatusArchived, StatusDeleted, false},
		{"deleted → active (восстановление)", StatusDeleted, StatusActive, false},
		{"deleted → purged (удалить навсегда)", StatusDeleted, StatusPurged, false},
		{"deleted → archived запрещён", StatusDeleted, StatusArchived, true},
		{"active → purged запрещён", StatusActive, StatusPurged, true},
		{"archived → purged запрещён", StatusArchived, StatusPurged, true},
		{"тот же статус", StatusActive, StatusActive, true},
		{"из purged", StatusPurged, StatusActive, true},
		{"неизвестная цель", StatusActive, Status("FROZEN"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckTransition(%s, %s) = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("ожидался *TransitionError, получили %T", err)
			}
			if te.Code != CodeInvalidTransition {
				t.Errorf("Code = %q, ожидали %q", te.Code, CodeInvalidTransition)
			}
			if te.Message == "" {
				t.Error("пустое сообщение об ошибке")
			}
		})
	}
}

func TestRequiresConfirmation(t *testing.T) {
	if !RequiresConfirmation(StatusPurged) {
		t.Error("PURGED должен требовать подтверждения")
	}
	for _, s := range []Status{StatusActive, StatusArchived, StatusDeleted} {
		if RequiresConfirmation(s) {
			t.Errorf("%s не должен требовать подтверждения", s)
		}
	}

	var te *TransitionError
	if !errors.As(ConfirmationError(StatusPurged), &te) || te.Code != CodeConfirmationRequired {
		t.Errorf("ConfirmationError вернул %v", te)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"ACTIVE", StatusActive, false},
		{"archived", StatusArchived, false},
		{" deleted ", StatusDeleted, false},
		{"PURGED", StatusPurged, false},
		{"frozen", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatus(%q) ошибка = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %q, ожидали %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsStored(t *testing.T) {
	if IsStored(StatusPurged) {
		t.Error("PURGED не хранится в таблице")
	}
	if !IsStored(StatusDeleted) {
		t.Error("DELETED хранится в таблице")
	}
}
