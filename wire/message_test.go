package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponseCorrelation(t *testing.T) {
	req := NewRequest("server@x.org", "client@x.org", []byte("train"), time.Minute)
	resp := NewResponse(req, []byte("ok"))

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, req.To, resp.From)
	assert.Equal(t, req.From, resp.To)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.NotEqual(t, req.ID, resp.ID)
	assert.False(t, resp.IsError())
}

func TestNewErrorResponse(t *testing.T) {
	req := NewRequest("server@x.org", "client@x.org", nil, 0)
	resp := NewErrorResponse(req, errors.New("dataset not mounted"))

	require.NoError(t, resp.Validate())
	assert.True(t, resp.IsError())
	assert.Equal(t, "dataset not mounted", resp.Error)
	assert.Nil(t, resp.Payload)
}

func TestMessageValidate(t *testing.T) {
	valid := NewRequest("a@x.org", "b@x.org", nil, 0)

	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr error
	}{
		{name: "valid request", mutate: func(m *Message) {}, wantErr: nil},
		{name: "missing id", mutate: func(m *Message) { m.ID = "" }, wantErr: ErrMissingID},
		{name: "missing from", mutate: func(m *Message) { m.From = "" }, wantErr: ErrMissingFrom},
		{name: "missing to", mutate: func(m *Message) { m.To = "" }, wantErr: ErrMissingTo},
		{name: "bad kind", mutate: func(m *Message) { m.Kind = "broadcast" }, wantErr: ErrInvalidKind},
		{
			name:    "response without correlation",
			mutate:  func(m *Message) { m.Kind = KindResponse; m.CorrelationID = "" },
			wantErr: ErrMissingCorrelation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := *valid
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	m := NewRequest("a@x.org", "b@x.org", nil, time.Second)
	assert.False(t, m.Expired(time.Now()))
	assert.True(t, m.Expired(time.Now().Add(2*time.Second)))

	noTTL := NewRequest("a@x.org", "b@x.org", nil, 0)
	assert.False(t, noTTL.Expired(time.Now().Add(24*time.Hour)))
}

func TestParseName(t *testing.T) {
	id, kind, err := ParseName("abc-123.request")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, KindRequest, kind)

	id, kind, err = ParseName("abc-123.response")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, KindResponse, kind)

	_, _, err = ParseName("abc-123.tmp")
	assert.ErrorIs(t, err, ErrBadName)
}

func TestNamePairing(t *testing.T) {
	req := NewRequest("a@x.org", "b@x.org", nil, 0)
	assert.Equal(t, req.ID+".request", RequestName(req.ID))
	assert.Equal(t, req.ID+".response", ResponseName(req.ID))
}
