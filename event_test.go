package storesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangeEventValidatePresenceRules(t *testing.T) {
	e := Entity{ID: "p1", Type: EntityProduct, Version: 1}

	cases := []struct {
		name    string
		ev      ChangeEvent
		wantErr bool
	}{
		{"insert with after", ChangeEvent{EntityType: EntityProduct, Op: OpInsert, After: &e}, false},
		{"insert with before", ChangeEvent{EntityType: EntityProduct, Op: OpInsert, Before: &e, After: &e}, true},
		{"insert missing after", ChangeEvent{EntityType: EntityProduct, Op: OpInsert}, true},
		{"update with both", ChangeEvent{EntityType: EntityProduct, Op: OpUpdate, Before: &e, After: &e}, false},
		{"update missing before", ChangeEvent{EntityType: EntityProduct, Op: OpUpdate, After: &e}, true},
		{"delete with before", ChangeEvent{EntityType: EntityProduct, Op: OpDelete, Before: &e}, false},
		{"delete with after", ChangeEvent{EntityType: EntityProduct, Op: OpDelete, Before: &e, After: &e}, true},
		{"unknown op", ChangeEvent{EntityType: EntityProduct, Op: "upsert", After: &e}, true},
		{"missing id", ChangeEvent{EntityType: EntityProduct, Op: OpInsert, After: &Entity{Type: EntityProduct}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangeEventVersion(t *testing.T) {
	before := Entity{ID: "p1", Type: EntityProduct, Version: 3}
	after := Entity{ID: "p1", Type: EntityProduct, Version: 4}

	assert.Equal(t, uint64(4), ChangeEvent{Op: OpUpdate, Before: &before, After: &after}.Version())
	assert.Equal(t, uint64(3), ChangeEvent{Op: OpDelete, Before: &before}.Version())
	assert.Zero(t, ChangeEvent{}.Version())
}

func TestEntityCloneIsDeep(t *testing.T) {
	e := Entity{ID: "p1", Type: EntityProduct, Version: 1, Payload: []byte(`{"a":1}`)}
	c := e.Clone()
	c.Payload[2] = 'X'
	assert.Equal(t, `{"a":1}`, string(e.Payload))
}
