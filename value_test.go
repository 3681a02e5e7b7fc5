package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		NoneValue(),
		IntValue(0),
		IntValue(-42),
		IntValue(1 << 40),
		DoubleValue(0),
		DoubleValue(-3.5),
		StringValueStr(""),
		StringValueStr("hello world"),
	}

	for _, v := range cases {
		var buf bytes.Buffer
		v.EncodeBinary(&buf)
		got, n, err := DecodeValue(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, buf.Len(), n)
		assert.True(t, v.Equal(got), "round trip mismatch: %+v != %+v", v, got)
	}
}

func TestValueDecodeShortFrame(t *testing.T) {
	_, _, err := DecodeValue(nil)
	assert.Error(t, err)

	var buf bytes.Buffer
	IntValue(5).EncodeBinary(&buf)
	_, _, err = DecodeValue(buf.Bytes()[:3])
	assert.Error(t, err)
}

func TestValueCompareAcrossKinds(t *testing.T) {
	assert.Equal(t, -1, IntValue(1).Compare(DoubleValue(0)))
	assert.Equal(t, 1, StringValueStr("a").Compare(IntValue(1)))
	assert.Equal(t, 0, IntValue(5).Compare(IntValue(5)))
	assert.Equal(t, -1, IntValue(4).Compare(IntValue(5)))
	assert.Equal(t, -1, StringValueStr("a").Compare(StringValueStr("b")))
}

func TestValueStringFormatting(t *testing.T) {
	assert.Equal(t, "", NoneValue().String())
	assert.Equal(t, "42", IntValue(42).String())
	assert.Equal(t, "hi", StringValueStr("hi").String())
}
