package idref

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
)

// Component identifies the kind of entity a Reference names.
type Component string

const (
	ComponentPodBay  Component = "podbay"
	ComponentPod     Component = "pod"
	ComponentLibp2p  Component = "libp2p"
	ComponentIpfs    Component = "ipfs"
	ComponentOrbitDb Component = "orbitdb"
	ComponentDb      Component = "db"
	ComponentServer  Component = "server"
	ComponentSystem  Component = "system"
)

// Components lists every known component kind in bootstrap order of the
// pod stack followed by the supporting kinds.
func Components() []Component {
	return []Component{
		ComponentLibp2p, ComponentIpfs, ComponentOrbitDb, ComponentDb,
		ComponentPod, ComponentPodBay, ComponentServer, ComponentSystem,
	}
}

// ParseComponent validates s as a known component kind.
func ParseComponent(s string) (Component, bool) {
	c := Component(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range Components() {
		if k == c {
			return c, true
		}
	}
	return "", false
}

// NameType selects how a missing name is generated.
type NameType string

const (
	NameUUID   NameType = "uuid"
	NameWords  NameType = "names"
	NameRandom NameType = "random"
)

// ParseNameType returns the strategy for s, defaulting to NameUUID.
func ParseNameType(s string) NameType {
	switch NameType(strings.ToLower(strings.TrimSpace(s))) {
	case NameWords, "name", "words":
		return NameWords
	case NameRandom, "string":
		return NameRandom
	default:
		return NameUUID
	}
}

// Reference is an immutable, typed identifier for a managed entity.
type Reference struct {
	name      string
	component Component
	nameType  NameType
}

// New builds a Reference. An empty name is generated with nameType.
func New(component Component, name string, nameType NameType) Reference {
	name = strings.TrimSpace(name)
	if name == "" {
		name = Generate(nameType)
	}
	return Reference{name: name, component: component, nameType: nameType}
}

// Generate returns a fresh name for the strategy.
func Generate(nameType NameType) string {
	switch nameType {
	case NameWords:
		return petname.Generate(2, "-")
	case NameRandom:
		var b [8]byte
		_, _ = rand.Read(b[:])
		return strconv.FormatUint(binary.BigEndian.Uint64(b[:]), 36)
	default:
		return uuid.NewString()
	}
}

func (r Reference) Name() string           { return r.name }
func (r Reference) Component() Component   { return r.component }
func (r Reference) NameType() NameType     { return r.nameType }
func (r Reference) IsZero() bool           { return r.name == "" }
func (r Reference) Equal(o Reference) bool { return r.name == o.name && r.component == o.component }

// ID returns the name, or "{component}-{name}" when withComponent is set.
func (r Reference) ID(withComponent bool) string {
	if withComponent && r.component != "" {
		return fmt.Sprintf("%s-%s", r.component, r.name)
	}
	return r.name
}

func (r Reference) String() string { return r.ID(true) }

// Matches reports whether s names this reference, either bare or qualified.
func (r Reference) Matches(s string) bool {
	if r.IsZero() || s == "" {
		return false
	}
	return s == r.name || s == r.ID(true)
}

type referenceJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Component Component `json:"component"`
	NameType  NameType  `json:"nameType,omitempty"`
}

func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(referenceJSON{ID: r.ID(true), Name: r.name, Component: r.component, NameType: r.nameType})
}

func (r *Reference) UnmarshalJSON(b []byte) error {
	var v referenceJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.name = v.Name
	r.component = v.Component
	r.nameType = v.NameType
	return nil
}
