// Package registry provides the injected label registry that maps module,
// role, and exception-type keys to localized display labels. It is loaded
// once at process start and passed by reference to every component that
// renders labels, so no package carries its own hard-coded map.
package registry

import "github.com/linnemanlabs/warden/internal/exception"

// Locale selects a label language. Unknown locales fall back to English.
type Locale string

const (
	LocaleEN Locale = "en"
	LocaleES Locale = "es"
)

// ValidLocale reports whether loc is a supported locale.
func ValidLocale(loc Locale) bool {
	return loc == LocaleEN || loc == LocaleES
}

// Label carries the localized names for one key.
type Label struct {
	EN string
	ES string
}

// In returns the label text for the given locale.
func (l Label) In(loc Locale) string {
	if loc == LocaleES && l.ES != "" {
		return l.ES
	}
	return l.EN
}

// Registry is the lookup service for module, role, and type labels.
// Lookups never fail: unregistered keys degrade to the raw key.
type Registry struct {
	modules map[string]Label
	roles   map[string]Label
	types   map[exception.TypeKey]Label
}

// New returns a registry seeded with the built-in module, role, and type
// tables. Deployments integrating a new producer module or role register it
// here or its labels degrade to the raw key.
func New() *Registry {
	return &Registry{
		modules: map[string]Label{
			"integrations": {EN: "Integrations", ES: "Integraciones"},
			"ledger":       {EN: "Ledger", ES: "Libro mayor"},
			"documents":    {EN: "Documents", ES: "Documentos"},
			"pricing":      {EN: "Pricing", ES: "Precios"},
			"approvals":    {EN: "Approvals", ES: "Aprobaciones"},
			"vendors":      {EN: "Vendors", ES: "Proveedores"},
			"security":     {EN: "Security", ES: "Seguridad"},
		},
		roles: map[string]Label{
			"ops_analyst":      {EN: "Operations Analyst", ES: "Analista de operaciones"},
			"ops_manager":      {EN: "Operations Manager", ES: "Gerente de operaciones"},
			"controller":       {EN: "Controller", ES: "Contralor"},
			"compliance":       {EN: "Compliance Officer", ES: "Oficial de cumplimiento"},
			"security_officer": {EN: "Security Officer", ES: "Oficial de seguridad"},
			"vendor_manager":   {EN: "Vendor Manager", ES: "Gerente de proveedores"},
		},
		types: map[exception.TypeKey]Label{
			exception.TypeSync:       {EN: "Sync Failure", ES: "Fallo de sincronización"},
			exception.TypeRecon:      {EN: "Reconciliation Break", ES: "Ruptura de conciliación"},
			exception.TypeMissingDoc: {EN: "Missing Document", ES: "Documento faltante"},
			exception.TypeStalePrice: {EN: "Stale Price", ES: "Precio obsoleto"},
			exception.TypeApproval:   {EN: "Overdue Approval", ES: "Aprobación vencida"},
			exception.TypeVendorSLA:  {EN: "Vendor SLA Breach", ES: "Incumplimiento SLA de proveedor"},
			exception.TypeSecurity:   {EN: "Security Incident", ES: "Incidente de seguridad"},
		},
	}
}

// RegisterModule adds or overrides a module label.
func (r *Registry) RegisterModule(key string, label Label) { r.modules[key] = label }

// RegisterRole adds or overrides a role label.
func (r *Registry) RegisterRole(key string, label Label) { r.roles[key] = label }

// ModuleLabel returns the localized module label, or the raw key.
func (r *Registry) ModuleLabel(key string, loc Locale) string {
	if l, ok := r.modules[key]; ok {
		return l.In(loc)
	}
	return key
}

// RoleLabel returns the localized role label, or the raw key.
func (r *Registry) RoleLabel(key string, loc Locale) string {
	if l, ok := r.roles[key]; ok {
		return l.In(loc)
	}
	return key
}

// TypeLabel returns the localized exception type label, or the raw key.
func (r *Registry) TypeLabel(key exception.TypeKey, loc Locale) string {
	if l, ok := r.types[key]; ok {
		return l.In(loc)
	}
	return string(key)
}
