package compliance

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/storage/memory"
	"github.com/caio-sobreiro/amhsnet/types"
)

var _ interfaces.AdmissionValidator = (*Validator)(nil)

const (
	validFrom = "LIRRZQZX"
	validTo   = "/C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIMMZQZX"
)

func TestValidateAcceptsCompliantMessages(t *testing.T) {
	v := NewValidator(nil)

	assert.NoError(t, v.Validate(validFrom, validTo, "TEST", types.ProfileP3))
	assert.NoError(t, v.Validate(" lirrzqzx ", "/c=it/a=icao/p=enav/o=aftn/ou=limmzqzx", "TEST", types.ProfileP1))
	assert.NoError(t, v.Validate(validFrom, validFrom, strings.Repeat("x", MaxBodyLength), types.ProfileP7))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		body    string
		profile types.Profile
		want    string
	}{
		{"empty body", validFrom, validTo, "  ", types.ProfileP3, "Invalid AMHS body size"},
		{"oversized body", validFrom, validTo, strings.Repeat("x", MaxBodyLength+1), types.ProfileP3, "Invalid AMHS body size"},
		{"missing from", "", validTo, "TEST", types.ProfileP3, "AMHS from address is mandatory"},
		{"bad country", validFrom, "/C=ITA/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIMMZQZX", "TEST", types.ProfileP3, "AMHS to O/R address is invalid"},
		{"missing country", validFrom, "/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIMMZQZX", "TEST", types.ProfileP3, "valid C (2-letter country code)"},
		{"wrong admd", validFrom, "/C=IT/ADMD=ENAV/PRMD=ENAV/O=AFTN/OU1=LIMMZQZX", "TEST", types.ProfileP3, "ADMD/A=ICAO"},
		{"missing prmd", validFrom, "/C=IT/ADMD=ICAO/O=AFTN/OU1=LIMMZQZX", "TEST", types.ProfileP3, "PRMD/P"},
		{"wrong organization", validFrom, "/C=IT/ADMD=ICAO/PRMD=ENAV/O=ATC/OU1=LIMMZQZX", "TEST", types.ProfileP3, "O=AFTN"},
		{"bad ou1", validFrom, "/C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIMM", "TEST", types.ProfileP3, "OU1 with a valid 8-character ICAO address"},
		{"short icao", "LIRRZQZ", validTo, "TEST", types.ProfileP3, "AMHS from O/R address is invalid"},
		{"missing profile", validFrom, validTo, "TEST", "", "AMHS profile is mandatory"},
		{"unknown profile", validFrom, validTo, "TEST", types.Profile("P9"), "Unsupported AMHS profile"},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.from, tt.to, tt.body, tt.profile)
			require.Error(t, err)
			assert.True(t, amhserrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCertificateIdentity(t *testing.T) {
	v := NewValidator(nil)
	channel := &types.Channel{Name: "ATFM", ExpectedCN: "mta.enav.it", ExpectedOU: "ATFM"}

	assert.NoError(t, v.ValidateCertificateIdentity(channel, "", ""))
	assert.NoError(t, v.ValidateCertificateIdentity(channel, "MTA.ENAV.IT", " atfm "))
	assert.NoError(t, v.ValidateCertificateIdentity(&types.Channel{Name: "OPEN"}, "anyone", "any"))

	err := v.ValidateCertificateIdentity(channel, "other", "ATFM")
	require.Error(t, err)
	assert.Equal(t, "Certificate CN does not match channel policy", err.Error())

	err = v.ValidateCertificateIdentity(channel, "mta.enav.it", "")
	require.Error(t, err)
	assert.Equal(t, "Certificate OU does not match channel policy", err.Error())
}

// countingStore counts FindByName calls reaching the store
type countingStore struct {
	*memory.ChannelStore
	lookups atomic.Int32
	fail    error
}

func (s *countingStore) FindByName(ctx context.Context, name string) (*types.Channel, error) {
	s.lookups.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	return s.ChannelStore.FindByName(ctx, name)
}

func newChannelService(t *testing.T) (*ChannelService, *countingStore) {
	t.Helper()
	store := &countingStore{ChannelStore: memory.NewChannelStore()}
	return NewChannelService(store, 0, nil), store
}

func TestCreateOrUpdate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChannelService(t)

	created, err := svc.CreateOrUpdate(ctx, ChannelRequest{Name: " atfm ", ExpectedCN: " cn "})
	require.NoError(t, err)
	assert.Equal(t, "ATFM", created.Name)
	assert.Equal(t, "cn", created.ExpectedCN)
	assert.True(t, created.Enabled)

	disabled := false
	updated, err := svc.CreateOrUpdate(ctx, ChannelRequest{Name: "ATFM", Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.False(t, updated.Enabled)
	assert.Empty(t, updated.ExpectedCN)

	all, err := svc.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = svc.CreateOrUpdate(ctx, ChannelRequest{Name: "  "})
	assert.True(t, amhserrors.IsValidation(err))
}

func TestRequireEnabledChannel(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChannelService(t)
	disabled := false
	_, _ = svc.CreateOrUpdate(ctx, ChannelRequest{Name: "ATFM"})
	_, _ = svc.CreateOrUpdate(ctx, ChannelRequest{Name: "MET", Enabled: &disabled})

	channel, err := svc.RequireEnabledChannel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ATFM", channel.Name)

	_, err = svc.RequireEnabledChannel(ctx, "met")
	require.Error(t, err)
	assert.Equal(t, "AMHS channel is disabled: MET", err.Error())

	_, err = svc.RequireEnabledChannel(ctx, "ais")
	require.Error(t, err)
	assert.Equal(t, "Unknown AMHS channel: AIS", err.Error())
	assert.True(t, amhserrors.IsValidation(err))
}

func TestChannelLookupsAreCached(t *testing.T) {
	ctx := context.Background()
	svc, store := newChannelService(t)
	_, err := svc.CreateOrUpdate(ctx, ChannelRequest{Name: "ATFM"})
	require.NoError(t, err)
	base := store.lookups.Load()

	for i := 0; i < 3; i++ {
		_, err := svc.RequireEnabledChannel(ctx, "ATFM")
		require.NoError(t, err)
	}
	assert.Equal(t, base+1, store.lookups.Load())

	// updates invalidate the cached entry
	disabled := false
	_, err = svc.CreateOrUpdate(ctx, ChannelRequest{Name: "atfm", Enabled: &disabled})
	require.NoError(t, err)
	_, err = svc.RequireEnabledChannel(ctx, "ATFM")
	assert.EqualError(t, err, "AMHS channel is disabled: ATFM")
}

func TestChannelLookupStoreFailure(t *testing.T) {
	svc, store := newChannelService(t)
	store.fail = errors.New("db down")

	_, err := svc.RequireEnabledChannel(context.Background(), "ATFM")
	require.Error(t, err)
	assert.False(t, amhserrors.IsValidation(err))
	assert.ErrorIs(t, err, store.fail)
}
