package pod

import (
	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/stage"
)

// DbStatus is the observed state of one opened database.
type DbStatus struct {
	Name    string      `json:"name"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Address string      `json:"address,omitempty"`
	Status  stage.Stage `json:"status"`
}

// Status is a read-only snapshot of a pod. Absent components are empty.
type Status struct {
	ID      idref.Reference `json:"id"`
	Libp2p  stage.Stage     `json:"libp2p,omitempty"`
	Ipfs    stage.Stage     `json:"ipfs,omitempty"`
	OrbitDb stage.Stage     `json:"orbitdb,omitempty"`
	Db      []DbStatus      `json:"db"`
}

// Status reports the last observed stage of each component without polling
// the engines.
func (p *LunarPod) Status() Status {
	st := Status{ID: p.id, Db: []DbStatus{}}
	if l := p.Libp2p(); l != nil {
		st.Libp2p = l.Status()
	}
	if s := p.Ipfs(); s != nil {
		st.Ipfs = s.Status()
	}
	if o := p.OrbitDb(); o != nil {
		st.OrbitDb = o.Status()
	}
	for _, name := range p.DbNames() {
		db, ok := p.DB(name)
		if !ok {
			continue
		}
		ds := DbStatus{Name: name, ID: db.ID().String(), Type: db.Type(), Status: db.Status()}
		if e, ok := db.Engine(); ok {
			ds.Address = e.Address()
		}
		st.Db = append(st.Db, ds)
	}
	return st
}
