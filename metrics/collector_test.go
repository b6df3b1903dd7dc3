package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/hub"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats []hub.LinkStatistics
}

func (f *fakeSource) Statistics() []hub.LinkStatistics { return f.stats }
func (f *fakeSource) CircuitCount() int                { return 3 }
func (f *fakeSource) Uptime() time.Duration            { return 90 * time.Second }
func (f *fakeSource) KnownHubs() int                   { return 2 }

func newFake() *fakeSource {
	return &fakeSource{stats: []hub.LinkStatistics{
		{Peer: "10.0.0.2:17878#b", Kind: hub.KindHub, FramesIn: 4, FramesOut: 5, BytesIn: 100, BytesOut: 120},
		{Peer: "10.0.0.9:4000#c", Kind: hub.KindClient, FramesIn: 1, FramesOut: 2, BytesIn: 10, BytesOut: 20},
	}}
}

func TestCollectorValues(t *testing.T) {
	c := NewCollector(newFake())

	expected := `
# HELP hubmesh_circuits Virtual circuits relayed by this hub.
# TYPE hubmesh_circuits gauge
hubmesh_circuits 3
# HELP hubmesh_known_hubs Hubs in the membership store, including this one.
# TYPE hubmesh_known_hubs gauge
hubmesh_known_hubs 2
# HELP hubmesh_links Open physical links by kind.
# TYPE hubmesh_links gauge
hubmesh_links{kind="client"} 1
hubmesh_links{kind="hub"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"hubmesh_circuits", "hubmesh_known_hubs", "hubmesh_links"))

	// 2 links x 2 directions x frames and bytes, 2 link gauges, 3 scalars.
	assert.Equal(t, 13, testutil.CollectAndCount(c))
}

func TestCollectorLintClean(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(newFake()))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestHandlerServesMetrics(t *testing.T) {
	h, err := Handler(newFake())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `hubmesh_link_bytes_total{direction="out",kind="hub",peer="10.0.0.2:17878#b"} 120`)
	assert.Contains(t, string(body), "hubmesh_uptime_seconds 90")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHubIsASource(t *testing.T) {
	var _ Source = (*hub.Hub)(nil)
}
