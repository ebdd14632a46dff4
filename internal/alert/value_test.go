package alert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- UnmarshalJSON ---

func TestValueUnmarshal_Scalars(t *testing.T) {
	var payload map[string]Value
	raw := `{"bool":true,"num":3.5,"str":"hi","nothing":null}`
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))

	b, ok := payload["bool"].AsBool()
	require.True(t, ok)
	assert.True(t, b)

	f, ok := payload["num"].AsFloat()
	require.True(t, ok)
	assert.Equal(t, 3.5, f)

	s, ok := payload["str"].AsString()
	require.True(t, ok)
	assert.Equal(t, "hi", s)

	assert.Equal(t, KindNull, payload["nothing"].Kind())
}

func TestValueUnmarshal_NestedContainers(t *testing.T) {
	var v Value
	raw := `{"levels":[1,2,3],"meta":{"source":"sensor-4","active":false}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &v))

	obj, ok := v.AsObject()
	require.True(t, ok)

	levels, ok := obj["levels"].AsArray()
	require.True(t, ok)
	require.Len(t, levels, 3)
	n, ok := levels[1].AsFloat()
	require.True(t, ok)
	assert.Equal(t, 2.0, n)

	meta, ok := obj["meta"].AsObject()
	require.True(t, ok)
	src, ok := meta["source"].AsString()
	require.True(t, ok)
	assert.Equal(t, "sensor-4", src)
}

// --- accessors ---

func TestValueAccessors_WrongKindReportsFalse(t *testing.T) {
	v := String("not a number")

	_, ok := v.AsFloat()
	assert.False(t, ok)
	_, ok = v.AsBool()
	assert.False(t, ok)
	_, ok = v.AsArray()
	assert.False(t, ok)
	_, ok = v.AsObject()
	assert.False(t, ok)
}

func TestValueAsInt_TruncatesFloat(t *testing.T) {
	n, ok := Number(7.9).AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(7), n)
}

// --- MarshalJSON ---

func TestValueMarshal_RoundTrip(t *testing.T) {
	original := Object(map[string]Value{
		"severity": String("high"),
		"count":    Number(3),
		"flags":    Array(Bool(true), Bool(false)),
		"extra":    Null(),
	})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestValueMarshal_EmptyContainers(t *testing.T) {
	data, err := json.Marshal(Array())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	data, err = json.Marshal(Object(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}
