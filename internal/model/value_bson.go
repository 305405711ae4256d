package model

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

func (v Value) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(v.ToAny())
}

func (v *Value) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var x any
	if err := (bson.RawValue{Type: t, Value: data}).Unmarshal(&x); err != nil {
		return err
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
