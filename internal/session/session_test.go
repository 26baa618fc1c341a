package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"localbuzz/internal/kv"
	"localbuzz/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare digits", input: "9876543210", want: "+919876543210"},
		{name: "with country code", input: "+919876543210", want: "+919876543210"},
		{name: "formatted", input: "+91 (98765) 432-10", want: "+919876543210"},
		{name: "dots", input: "98765.43210", want: "+919876543210"},
		{name: "full width digits", input: "９８７６５４３２１０", want: "+919876543210"},
		{name: "empty", input: "  ", wantErr: true},
		{name: "too short", input: "98765", wantErr: true},
		{name: "too long", input: "98765432101", wantErr: true},
		{name: "other country", input: "+14155552671", wantErr: true},
		{name: "letters", input: "98765abcde", wantErr: true},
		{name: "country code only", input: "+91", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPhone) {
					t.Fatalf("NormalizePhone(%q) error = %v, want ErrInvalidPhone", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizePhone(%q): %v", tt.input, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("NormalizePhone() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := New(store, discard())

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Session{}, got); diff != "" {
		t.Errorf("empty session mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetRole(ctx, model.RoleCustomer); !errors.Is(err, ErrNotVerified) {
		t.Errorf("SetRole() before verify error = %v, want ErrNotVerified", err)
	}

	if _, err := s.MarkVerified(ctx, "98765 43210"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := s.SetRole(ctx, model.RoleShop); err != nil {
		t.Fatalf("set role: %v", err)
	}

	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Session{Verified: true, Phone: "+919876543210", Role: model.RoleShop}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	_ = store.Set(ctx, kv.Namespace+"notifications.opt_in", "true")
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Session{}, got); diff != "" {
		t.Errorf("cleared session mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := store.Get(ctx, kv.Namespace+"notifications.opt_in"); ok {
		t.Error("clear kept notification state")
	}
}

func TestSetRoleRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory(), discard())
	if _, err := s.MarkVerified(ctx, "9876543210"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	if err := s.SetRole(ctx, model.Role("admin")); !errors.Is(err, model.ErrInvalidRole) {
		t.Errorf("SetRole() error = %v, want ErrInvalidRole", err)
	}
}

func TestLoadIgnoresCorruptValues(t *testing.T) {
	tests := []struct {
		name     string
		verified string
		role     string
		want     Session
		wantWarn string
	}{
		{
			name:     "unknown role",
			verified: "true",
			role:     "wizard",
			want:     Session{Verified: true, Phone: "+919876543210"},
			wantWarn: keyRole,
		},
		{
			name:     "garbled verified flag",
			verified: "yes please",
			role:     "shop",
			want:     Session{},
			wantWarn: keyVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := kv.NewMemory()
			_ = store.Set(ctx, keyVerified, tt.verified)
			_ = store.Set(ctx, keyPhone, "+919876543210")
			_ = store.Set(ctx, keyRole, tt.role)

			var buf bytes.Buffer
			log := slog.New(slog.NewTextHandler(&buf, nil))

			got, err := New(store, log).Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("session mismatch (-want +got):\n%s", diff)
			}
			out := buf.String()
			if !strings.Contains(out, "corrupt session state") || !strings.Contains(out, tt.wantWarn) {
				t.Errorf("log = %q, want corrupt session warning for %s", out, tt.wantWarn)
			}
		})
	}
}
