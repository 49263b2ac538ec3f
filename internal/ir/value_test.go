package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type objectPath string

type fakeVariant struct{ v any }

func (f fakeVariant) Value() any { return f.v }

func TestFromGo_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want IRValue
	}{
		{"string", "hello", IRString("hello")},
		{"bool", true, IRBool(true)},
		{"int", 42, IRInt(42)},
		{"uint32", uint32(7), IRInt(7)},
		{"byte", byte(3), IRInt(3)},
		{"int16", int16(-2), IRInt(-2)},
		{"named string", objectPath("/org/example"), IRString("/org/example")},
		{"float", 1.5, IRString("1.5")},
		{"variant", fakeVariant{v: "inner"}, IRString("inner")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGo(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromGo_Containers(t *testing.T) {
	got, err := FromGo([]any{"a", uint32(1), []byte{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, IRArray{IRString("a"), IRInt(1), IRArray{IRInt(1), IRInt(2)}}, got)

	got, err = FromGo(map[string]fakeVariant{"Version": {v: int32(3)}})
	require.NoError(t, err)
	assert.Equal(t, IRObject{"Version": IRInt(3)}, got)

	got, err = FromGo([]any(nil))
	require.NoError(t, err)
	assert.Equal(t, IRArray{}, got)
}

func TestFromGo_Rejects(t *testing.T) {
	_, err := FromGo(nil)
	assert.Error(t, err)

	_, err = FromGo(map[int]string{1: "x"})
	assert.Error(t, err)

	_, err = FromGo(make(chan int))
	assert.Error(t, err)
}

func TestEqual_NormalizesIntegerWidths(t *testing.T) {
	assert.True(t, Equal(uint32(5), 5))
	assert.True(t, Equal([]any{"a", int64(1)}, []any{"a", uint8(1)}))
	assert.True(t, Equal(objectPath("/x"), "/x"))
	assert.False(t, Equal("1", 1))
	assert.False(t, Equal([]any{1, 2}, []any{2, 1}))
	assert.True(t, Equal(map[string]any{"a": 1}, map[string]int{"a": 1}))
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	obj := IRObject{
		"b":          IRInt(1),
		"a":          IRInt(2),
		"\U0001F600": IRInt(3), // surrogate pair, sorts before U+FFFD in UTF-16
		"\uFFFD":     IRInt(4),
	}
	assert.Equal(t, []string{"a", "b", "\U0001F600", "\uFFFD"}, obj.SortedKeys())
}

func TestUnmarshalIRValue_RoundTrip(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"a":[1,"x",true]}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{"a": IRArray{IRInt(1), IRString("x"), IRBool(true)}}, v)

	_, err = UnmarshalIRValue([]byte(`1.5`))
	assert.Error(t, err)

	_, err = UnmarshalIRValue([]byte(`null`))
	assert.Error(t, err)
}

func TestToGo(t *testing.T) {
	got := ToGo(IRObject{"a": IRArray{IRInt(1), IRBool(false)}})
	assert.Equal(t, map[string]any{"a": []any{int64(1), false}}, got)
}
