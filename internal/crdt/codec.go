package crdt

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	wireInsert = "i"
	wireDelete = "d"
)

type wireOp struct {
	Kind        string `bson:"k"`
	Site        string `bson:"s"`
	Clock       int64  `bson:"c"`
	AnchorSite  string `bson:"as,omitempty"`
	AnchorClock int64  `bson:"ac,omitempty"`
	Value       int32  `bson:"v,omitempty"`
}

type wireUpdate struct {
	Ops  []wireOp `bson:"ops"`
	Full bool     `bson:"full,omitempty"`
}

// Encode serializes an update as a BSON document. The bytes are opaque to the
// directory and fanout layers.
func Encode(u Update) ([]byte, error) {
	w := wireUpdate{Full: u.Full, Ops: make([]wireOp, 0, len(u.Ops))}
	for _, op := range u.Ops {
		wo := wireOp{Site: op.ID.Site, Clock: op.ID.Clock}
		switch op.Kind {
		case OpInsert:
			wo.Kind = wireInsert
			wo.AnchorSite = op.Anchor.Site
			wo.AnchorClock = op.Anchor.Clock
			wo.Value = op.Value
		case OpDelete:
			wo.Kind = wireDelete
		default:
			return nil, fmt.Errorf("encode op kind %d: %w", op.Kind, ErrMalformedUpdate)
		}
		w.Ops = append(w.Ops, wo)
	}
	b, err := bson.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (Update, error) {
	if len(b) == 0 {
		return Update{}, fmt.Errorf("empty payload: %w", ErrMalformedUpdate)
	}
	var w wireUpdate
	if err := bson.Unmarshal(b, &w); err != nil {
		return Update{}, fmt.Errorf("decode update: %v: %w", err, ErrMalformedUpdate)
	}
	u := Update{Full: w.Full, Ops: make([]Op, 0, len(w.Ops))}
	for _, wo := range w.Ops {
		op := Op{ID: ID{Site: wo.Site, Clock: wo.Clock}}
		switch wo.Kind {
		case wireInsert:
			op.Kind = OpInsert
			op.Anchor = ID{Site: wo.AnchorSite, Clock: wo.AnchorClock}
			op.Value = wo.Value
		case wireDelete:
			op.Kind = OpDelete
		default:
			return Update{}, fmt.Errorf("op kind %q: %w", wo.Kind, ErrMalformedUpdate)
		}
		if err := validate(op); err != nil {
			return Update{}, err
		}
		u.Ops = append(u.Ops, op)
	}
	return u, nil
}

// ApplyEncoded decodes b and applies it.
func (d *Document) ApplyEncoded(b []byte) error {
	u, err := Decode(b)
	if err != nil {
		return err
	}
	return d.Apply(u)
}
