package chronos

import (
	"bytes"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ID is a thin wrapper over primitive.ObjectID (opaque 12-byte identifier)
// to keep chronos call sites decoupled from the driver package.
type ID primitive.ObjectID

// NilID is the zero-value ID.
var NilID ID

// NewID returns a new randomly generated ID.
func NewID() ID {
	return ID(primitive.NewObjectID())
}

// ParseID converts a 24-character hex string to an ID.
// It returns a Validation-tagged error if the input is not valid.
func ParseID(s string) (ID, error) {
	oid, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return NilID, Errorf(ErrValidation, "invalid id %q, details: %v", s, err)
	}
	return ID(oid), nil
}

// IsNil reports whether the ID equals the zero-value ID.
func (id ID) IsNil() bool {
	return bytes.Equal(id[:], NilID[:])
}

// String returns the lowercase hex representation of the ID.
func (id ID) String() string {
	return primitive.ObjectID(id).Hex()
}

// Compare compares two IDs and returns -1 if x < y, 1 if x > y, and 0 if they are equal.
func (x ID) Compare(y ID) int {
	return bytes.Compare(x[:], y[:])
}

// MarshalBSONValue encodes the ID as a native ObjectID.
func (id ID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(primitive.ObjectID(id))
}

// UnmarshalBSONValue decodes a native ObjectID into the ID.
func (id *ID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var oid primitive.ObjectID
	if err := bson.UnmarshalValue(t, data, &oid); err != nil {
		return err
	}
	*id = ID(oid)
	return nil
}
