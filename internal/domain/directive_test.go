package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/factline/internal/domain"
)

func TestDirectiveValidate(t *testing.T) {
	require.NoError(t, domain.Advance(domain.StageResearch).Validate())
	require.NoError(t, domain.Advance(domain.StagePostQueue).Validate())
	require.NoError(t, domain.Reject().Validate())
	require.NoError(t, domain.Complete().Validate())
	require.NoError(t, domain.Retry("endpoint_unreachable: dial refused").Validate())

	err := domain.Advance(domain.StageTriage).Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidDirective)

	err = domain.Advance(domain.StageCompleted).Validate()
	assert.ErrorIs(t, err, domain.ErrInvalidDirective)

	err = domain.Retry("").Validate()
	assert.ErrorIs(t, err, domain.ErrInvalidDirective)

	err = domain.Directive{Kind: "promote"}.Validate()
	assert.ErrorIs(t, err, domain.ErrInvalidDirective)
}

func TestDirectiveString(t *testing.T) {
	assert.Equal(t, "advance(research)", domain.Advance(domain.StageResearch).String())
	assert.Equal(t, "retry(timeout)", domain.Retry("timeout").String())
	assert.Equal(t, "reject", domain.Reject().String())
	assert.Equal(t, "complete", domain.Complete().String())
}
