package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionSetObjectForm(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":"5000000"}`), &o))

	assert.Equal(t, []string{"-timeout", "5000000"}, o.Flatten())
}

func TestOptionSetArrayForm(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`["-timeout","5000000","-reconnect","1"]`), &o))

	assert.Equal(t, []string{"-timeout", "5000000", "-reconnect", "1"}, o.Flatten())
}

func TestOptionSetStringForm(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`"-timeout 5000000 -reconnect 1"`), &o))

	assert.Equal(t, []string{"-timeout", "5000000", "-reconnect", "1"}, o.Flatten())
}

func TestOptionSetValuelessFlags(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`"-nostats -re"`), &o))

	assert.Equal(t, []string{"-nostats", "-re"}, o.Flatten())
}

func TestOptionSetNullAndEmpty(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`null`), &o))
	assert.True(t, o.Empty())
	assert.Nil(t, o.Flatten())
}

func TestOptionSetRejectsOtherShapes(t *testing.T) {
	var o OptionSet
	assert.Error(t, json.Unmarshal([]byte(`42`), &o))
}

func TestChannelValidate(t *testing.T) {
	valid := Channel{
		Name:     "news",
		InputURL: "udp://in:1",
		Outputs:  []Output{{Kind: OutputUDP, Host: "h", Port: 1}},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Channel)
	}{
		{"empty name", func(c *Channel) { c.Name = "" }},
		{"empty input", func(c *Channel) { c.InputURL = "" }},
		{"no outputs", func(c *Channel) { c.Outputs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := valid
			tt.mutate(&ch)
			assert.Error(t, ch.Validate())
		})
	}

	var nilCh *Channel
	assert.Error(t, nilCh.Validate())
}

func TestPrimaryOutput(t *testing.T) {
	ch := Channel{Outputs: []Output{{Kind: OutputUDP}, {Kind: OutputHLS}}}
	out, ok := ch.PrimaryOutput()
	require.True(t, ok)
	assert.Equal(t, OutputUDP, out.Kind)

	_, ok = (&Channel{}).PrimaryOutput()
	assert.False(t, ok)
}
