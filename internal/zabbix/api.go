package zabbix

// API method names used by the agent.
const (
	MethodUserLogin    = "user.login"
	MethodUserLogout   = "user.logout"
	MethodHostGroupGet = "hostgroup.get"
	MethodTemplateGet  = "template.get"
	MethodHostCreate   = "host.create"
)

// Interface types for host.create.
const (
	InterfaceTypeAgent = 1
	InterfaceTypeSNMP  = 2
)

// Inventory modes for host.create.
const (
	InventoryDisabled  = "-1"
	InventoryManual    = "0"
	InventoryAutomatic = "1"
)

// DefaultAgentPort is the Zabbix agent port recorded on created interfaces.
const DefaultAgentPort = "10050"

// NameFilter is the params object for *.get lookups by exact name.
type NameFilter struct {
	Output string            `json:"output,omitempty"`
	Filter map[string]string `json:"filter"`
}

// ByName returns a lookup filter matching name exactly.
func ByName(name string) NameFilter {
	return NameFilter{
		Output: "extend",
		Filter: map[string]string{"name": name},
	}
}

// HostGroup is one element of a hostgroup.get result.
type HostGroup struct {
	GroupID string `json:"groupid"`
	Name    string `json:"name"`
}

// Template is one element of a template.get result.
type Template struct {
	TemplateID string `json:"templateid"`
	Name       string `json:"name"`
	Host       string `json:"host,omitempty"`
}

// GroupRef references a host group by ID.
type GroupRef struct {
	GroupID string `json:"groupid"`
}

// TemplateRef references a template by ID.
type TemplateRef struct {
	TemplateID string `json:"templateid"`
}

// HostInterface describes a host interface for host.create.
type HostInterface struct {
	Type  int    `json:"type"`
	Main  int    `json:"main"`
	UseIP int    `json:"useip"`
	IP    string `json:"ip"`
	DNS   string `json:"dns"`
	Port  string `json:"port"`
}

// HostCreate is the params object for host.create.
type HostCreate struct {
	Host          string            `json:"host"`
	Groups        []GroupRef        `json:"groups"`
	Templates     []TemplateRef     `json:"templates,omitempty"`
	Interfaces    []HostInterface   `json:"interfaces"`
	InventoryMode string            `json:"inventory_mode,omitempty"`
	Inventory     map[string]string `json:"inventory,omitempty"`
}

// HostCreateResult is the result of host.create.
type HostCreateResult struct {
	HostIDs []string `json:"hostids"`
}
