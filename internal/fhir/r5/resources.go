package r5

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Active       bool           `json:"active,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType  string                      `json:"resourceType"`
	ID            string                      `json:"id,omitempty"`
	Identifier    []Identifier                `json:"identifier,omitempty"`
	Active        bool                        `json:"active,omitempty"`
	Name          []HumanName                 `json:"name,omitempty"`
	Telecom       []ContactPoint              `json:"telecom,omitempty"`
	Qualification []PractitionerQualification `json:"qualification,omitempty"`
}

// PractitionerQualification represents a practitioner's qualifications.
type PractitionerQualification struct {
	Code CodeableConcept `json:"code"`
}

// Bundle is a FHIR R5 collection bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"` // document | message | transaction | batch | collection | ...
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry holds one resource. Resource is one of the resource structs of
// this package.
type BundleEntry struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource any    `json:"resource"`
}

// NewCollection returns an empty collection bundle.
func NewCollection(id string) *Bundle {
	return &Bundle{ResourceType: "Bundle", ID: id, Type: "collection", Entry: []BundleEntry{}}
}

// Add appends a resource under a urn:uuid full URL.
func (b *Bundle) Add(id string, resource any) {
	b.Entry = append(b.Entry, BundleEntry{FullURL: "urn:uuid:" + id, Resource: resource})
}
