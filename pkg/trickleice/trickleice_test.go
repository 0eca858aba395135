package trickleice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wirecall/callcore/pkg/mediaflow"
)

func TestDecideRoleRemoteLiteAlwaysControls(t *testing.T) {
	require.Equal(t, RoleControlling, decideRole("zzz", "z1", "aaa", "a1", true))
}

func TestDecideRoleLexicographicTieBreak(t *testing.T) {
	require.Equal(t, RoleControlling, decideRole("alice", "c1", "bob", "c1", false))
	require.Equal(t, RoleControlled, decideRole("bob", "c1", "alice", "c1", false))
}

func TestCandidateRoundTripHost(t *testing.T) {
	c := mediaflow.Candidate{
		Foundation: "1",
		Component:  1,
		Priority:   2130706431,
		Address:    "10.0.0.5",
		Port:       5000,
		Type:       mediaflow.CandHost,
	}

	iceCand, err := candidateToICE(c)
	require.NoError(t, err)

	back := candidateFromICE(iceCand)
	require.Equal(t, c.Component, back.Component)
	require.Equal(t, c.Address, back.Address)
	require.Equal(t, c.Port, back.Port)
	require.Equal(t, mediaflow.CandHost, back.Type)
}

func TestCandidateRoundTripRelayKeepsRelatedAddress(t *testing.T) {
	c := mediaflow.Candidate{
		Foundation:     "2",
		Component:      1,
		Priority:       16777215,
		Address:        "203.0.113.9",
		Port:           40000,
		Type:           mediaflow.CandRelay,
		RelatedAddress: "10.0.0.5",
		RelatedPort:    5000,
	}

	iceCand, err := candidateToICE(c)
	require.NoError(t, err)

	back := candidateFromICE(iceCand)
	require.Equal(t, mediaflow.CandRelay, back.Type)
	require.Equal(t, c.RelatedAddress, back.RelatedAddress)
	require.Equal(t, c.RelatedPort, back.RelatedPort)
}

func TestCandidateToICEUnknownTypeFallsBackToHost(t *testing.T) {
	_, err := candidateToICE(mediaflow.Candidate{Type: mediaflow.CandidateType(99)})
	require.NoError(t, err)
}
