package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func sample() Value {
	return Fields(map[string]Value{
		"name": Leaf("bank"),
		"fields": List(
			Fields(map[string]Value{"key": Leaf("user"), "value": Leaf("alice")}),
			Fields(map[string]Value{"key": Leaf("pin"), "value": Leaf("1234")}),
		),
	})
}

func TestValueJSON(t *testing.T) {
	data, err := json.Marshal(sample())
	require.NoError(t, err)

	var got Value
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, sample().ToAny(), got.ToAny())
}

func TestValueStringifiesNonStringLeaves(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"n":42,"f":1.5,"b":true,"z":null}`), &v))

	for path, want := range map[string]string{"n": "42", "f": "1.5", "b": "true", "z": ""} {
		leaf, ok := v.Lookup(path)
		require.True(t, ok, path)
		s, ok := leaf.String()
		require.True(t, ok, path)
		assert.Equal(t, want, s)
	}
}

func TestValueKeepsLargeNumbersExact(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"account":12345678901234567890,"card":[4111111111111111111,1e400],"rate":0.1000000000000000055511}`), &v))

	for _, tc := range []struct {
		path []string
		want string
	}{
		{[]string{"account"}, "12345678901234567890"},
		{[]string{"card", "0"}, "4111111111111111111"},
		{[]string{"card", "1"}, "1e400"},
		{[]string{"rate"}, "0.1000000000000000055511"},
	} {
		leaf, ok := v.Lookup(tc.path...)
		require.True(t, ok, tc.path)
		s, ok := leaf.String()
		require.True(t, ok, tc.path)
		assert.Equal(t, tc.want, s)
	}
}

func TestValueLookup(t *testing.T) {
	v := sample()
	leaf, ok := v.Lookup("fields", "1", "value")
	require.True(t, ok)
	s, _ := leaf.String()
	assert.Equal(t, "1234", s)

	_, ok = v.Lookup("fields", "9")
	assert.False(t, ok)
	_, ok = v.Lookup("name", "x")
	assert.False(t, ok)
	assert.Equal(t, []string{"fields", "name"}, v.FieldNames())
}

func TestValueUnavailable(t *testing.T) {
	u := Unavailable()
	assert.True(t, u.IsUnavailable())
	_, ok := u.String()
	assert.False(t, ok)

	data, err := json.Marshal(Fields(map[string]Value{"x": u}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":null}`, string(data))
}

func TestValueBSON(t *testing.T) {
	doc := struct {
		Payload Value `bson:"payload"`
	}{Payload: sample()}

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var got struct {
		Payload Value `bson:"payload"`
	}
	require.NoError(t, bson.Unmarshal(raw, &got))
	assert.Equal(t, sample().ToAny(), got.Payload.ToAny())
}
