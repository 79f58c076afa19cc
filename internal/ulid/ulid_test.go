package ulid

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	id := GenerateWithPrefix(PrefixOperation)

	assert.Equal(t, PrefixOperation, id.Prefix())
	assert.False(t, id.IsZero())
	assert.Contains(t, id.String(), PrefixOperation+PrefixSeparator)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantPrefix string
		wantErr    bool
	}{
		{
			name:       "prefixed operation id",
			input:      OperationID(),
			wantPrefix: PrefixOperation,
		},
		{
			name:  "plain ulid",
			input: Generate().String(),
		},
		{
			name:    "garbage",
			input:   "not-a-ulid",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, parsed.Prefix())
			assert.Equal(t, tt.input, parsed.String())
		})
	}
}

func TestOrdering(t *testing.T) {
	earlier := NewWithTime(time.Now().Add(-time.Minute))
	later := NewWithTime(time.Now())

	assert.Equal(t, -1, earlier.Compare(later))
	assert.Equal(t, 1, later.Compare(earlier))
	assert.Equal(t, 0, earlier.Compare(earlier))
}

func TestJSONRoundTrip(t *testing.T) {
	id := GenerateWithPrefix(PrefixConflict)

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded ULID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id.String(), decoded.String())
}

func TestValidate(t *testing.T) {
	assert.True(t, Validate(DeviceID()))
	assert.True(t, Validate(Generate().String()))
	assert.False(t, Validate("zzz"))
}
