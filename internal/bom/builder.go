package bom

import (
	"io"
	"runtime/debug"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Builder collects the components a single job depends on. The job itself is
// the metadata component and the root of the dependency graph.
type Builder struct {
	instanceID uuid.UUID
	agentID    string
	refs       map[string]struct{}
	components []cdx.Component
}

func NewBuilder(instanceID uuid.UUID, agentID string) *Builder {
	return &Builder{
		instanceID: instanceID,
		agentID:    agentID,
		refs:       make(map[string]struct{}),
		// must not be nil, the JSON schema does not allow null items
		components: []cdx.Component{},
	}
}

// JobRef is the bom-ref of the job component.
func (b *Builder) JobRef() string {
	return "job:" + b.instanceID.String()
}

// Add appends c as a direct dependency of the job. A component with an
// already added bom-ref is ignored and false is returned.
func (b *Builder) Add(c cdx.Component) bool {
	if _, ok := b.refs[c.BOMRef]; ok {
		return false
	}
	b.refs[c.BOMRef] = struct{}{}
	b.components = append(b.components, c)
	return true
}

func (b *Builder) Len() int {
	return len(b.components)
}

func (b *Builder) BOM() cdx.BOM {
	refs := make([]string, len(b.components))
	for i, c := range b.components {
		refs[i] = c.BOMRef
	}
	components := append([]cdx.Component(nil), b.components...)
	if components == nil {
		components = []cdx.Component{}
	}
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    cdx.BOMFormat,
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.NewSHA1(b.instanceID, []byte("dependencies")).String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{Phase: cdx.LifecyclePhaseOperations},
			},
			Tools: &cdx.ToolsChoice{
				Components: &[]cdx.Component{
					{
						Type:    cdx.ComponentTypeApplication,
						Name:    "czertainly-agent",
						Version: version,
					},
				},
			},
			// nil fails the encoding with: error calling MarshalJSON for type *cyclonedx.ToolsChoice
			Component: &cdx.Component{
				BOMRef: b.JobRef(),
				Type:   cdx.ComponentTypeApplication,
				Name:   "job " + b.instanceID.String(),
				Manufacturer: &cdx.OrganizationalEntity{
					Name: "CZERTAINLY",
					URL: &[]string{
						"https://www.czertainly.com",
					},
				},
			},
			Properties: &[]cdx.Property{
				{Name: "czertainly:agent:id", Value: b.agentID},
			},
		},
		Components: &components,
		Dependencies: &[]cdx.Dependency{
			{Ref: b.JobRef(), Dependencies: &refs},
		},
	}
}

// Encode writes the BOM as indented JSON.
func (b *Builder) Encode(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}
