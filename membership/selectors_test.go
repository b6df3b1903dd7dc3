package membership

import (
	"testing"

	"github.com/opd-ai/hubmesh/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meshStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(hub1, "alpha", nil)
	s.AddClient(clientC)
	s.AddService(clientC, "web", "http://c")
	s.Merge([]Description{{
		Address:  hub2,
		Name:     "beta",
		State:    3,
		Clients:  []address.Set{clientD},
		Services: map[ServiceKey]string{{Client: clientD, Tag: "web"}: "http://d"},
	}})
	return s
}

func TestClientQueries(t *testing.T) {
	s := meshStore(t)

	all := s.ClientsByTag("")
	require.Len(t, all, 2)
	assert.Equal(t, clientC, all[0].Client)
	assert.Equal(t, hub1, all[0].Hub)

	web := s.ClientsByTag("web")
	require.Len(t, web, 2)
	assert.Equal(t, "http://d", web[1].Info)

	atHub2 := s.ClientsForHub(hub2, "")
	require.Len(t, atHub2, 1)
	assert.Equal(t, clientD, atHub2[0].Client)

	assert.Empty(t, s.ClientsForHub(hub3, ""))
	assert.Empty(t, s.ClientsByTag("ftp"))
}

func TestDirectionsRequireReachability(t *testing.T) {
	s := meshStore(t)

	assert.Equal(t, []address.Set{hub1}, s.Directions(clientC))
	assert.Empty(t, s.Directions(clientD))
	assert.Equal(t, []address.Set{hub2}, s.HubsForClient(clientD))

	s.SetReachable(hub2, true)
	assert.Equal(t, []address.Set{hub2}, s.Directions(clientD))
	assert.Equal(t, []address.Set{hub2}, s.ReachableHubs())
}

func TestClientInfoText(t *testing.T) {
	ci := ClientInfo{Client: clientC, Info: "http://c some path"}
	got, err := ParseClientInfo(ci.String())
	require.NoError(t, err)
	assert.Equal(t, clientC, got.Client)
	assert.Equal(t, "http://c some path", got.Info)
}

func TestHubInfoLines(t *testing.T) {
	s := meshStore(t)
	s.AddConnection(hub2)

	lines := s.Details()
	require.Len(t, lines, 2)

	info, err := ParseHubInfo(lines[0])
	require.NoError(t, err)
	assert.Equal(t, hub1, info.Address)
	assert.Equal(t, "alpha", info.Name)
	assert.Equal(t, 1, info.Clients)
	assert.Equal(t, []address.Set{hub2}, info.ConnectedTo)

	quoted := HubInfo{Address: hub3, Name: `odd, "name"`, State: 9}
	info, err = ParseHubInfo(quoted.String())
	require.NoError(t, err)
	assert.Equal(t, `odd, "name"`, info.Name)
	assert.Empty(t, info.ConnectedTo)

	for _, bad := range []string{"", "Hub(x)", "HubInfo(10.0.0.1:1, \"a\", 1, 1, 2, 10.0.0.2:1)", "HubInfo(nope, \"a\", 1, 1, 0)"} {
		_, err := ParseHubInfo(bad)
		assert.ErrorIs(t, err, ErrBadHubInfo, bad)
	}
}
