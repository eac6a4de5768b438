package registry

import (
	"testing"

	"github.com/linnemanlabs/warden/internal/exception"
)

func TestLookupsAndFallbacks(t *testing.T) {
	t.Parallel()

	r := New()

	if got := r.ModuleLabel("ledger", LocaleEN); got != "Ledger" {
		t.Errorf("ModuleLabel(ledger, en) = %q, want %q", got, "Ledger")
	}
	if got := r.ModuleLabel("ledger", LocaleES); got != "Libro mayor" {
		t.Errorf("ModuleLabel(ledger, es) = %q, want %q", got, "Libro mayor")
	}
	if got := r.ModuleLabel("14", LocaleEN); got != "14" {
		t.Errorf("unregistered module should degrade to raw key, got %q", got)
	}
	if got := r.RoleLabel("ops_manager", LocaleES); got != "Gerente de operaciones" {
		t.Errorf("RoleLabel(ops_manager, es) = %q", got)
	}
	if got := r.TypeLabel(exception.TypeRecon, LocaleEN); got != "Reconciliation Break" {
		t.Errorf("TypeLabel(recon, en) = %q", got)
	}
	if got := r.TypeLabel(exception.TypeKey("odd"), LocaleES); got != "odd" {
		t.Errorf("unregistered type should degrade to raw key, got %q", got)
	}
}

func TestUnknownLocaleFallsBackToEnglish(t *testing.T) {
	t.Parallel()

	r := New()
	if got := r.TypeLabel(exception.TypeSync, Locale("fr")); got != "Sync Failure" {
		t.Errorf("TypeLabel(sync, fr) = %q, want English fallback", got)
	}
}

func TestRegisterOverrides(t *testing.T) {
	t.Parallel()

	r := New()
	r.RegisterModule("billing", Label{EN: "Billing", ES: "Facturación"})
	if got := r.ModuleLabel("billing", LocaleES); got != "Facturación" {
		t.Errorf("ModuleLabel(billing, es) = %q", got)
	}
}
