package address

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonicalises(t *testing.T) {
	a, err := Parse(" 192.168.1.5:17878/10.0.0.5:17878/10.0.0.5:17878#tok ")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:17878/192.168.1.5:17878#tok", a.String())
	assert.Equal(t, []string{"10.0.0.5:17878", "192.168.1.5:17878"}, a.Endpoints())
	assert.Equal(t, "tok", a.Token())
	assert.Equal(t, 17878, a.Port())
	assert.Equal(t, 2, a.NumberOfAddresses())

	b := MustParse("10.0.0.5:17878/192.168.1.5:17878#tok")
	assert.True(t, a.Equal(b))
	assert.Equal(t, a, b, "equal sets must be usable as the same map key")
}

func TestParseRejects(t *testing.T) {
	for _, s := range []string{"", "nohost", ":17878", "10.0.0.1:99999", "10.0.0.1:x", "#tok"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
	_, err := New([]string{"10.0.0.1:1"}, "bad/token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = New(nil, "")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestZeroValue(t *testing.T) {
	var z Set
	assert.True(t, z.IsZero())
	assert.Empty(t, z.Endpoints())
	assert.Equal(t, 0, z.Port())
	assert.False(t, MustParse("10.0.0.1:1").IsZero())
}

func TestMachineAndProcess(t *testing.T) {
	a := MustParse("10.0.0.5:4000/127.0.0.1:4000#one")
	sameHostOtherPort := MustParse("10.0.0.5:5000#two")
	restarted := MustParse("10.0.0.5:4000#two")
	same := MustParse("10.0.0.5:4000#one")

	assert.True(t, a.SameMachine(sameHostOtherPort))
	assert.False(t, a.SameMachine(MustParse("10.0.0.6:4000")))
	assert.True(t, a.SameProcess(same))
	assert.False(t, a.SameProcess(restarted))
}

func TestWithPort(t *testing.T) {
	a := MustParse("10.0.0.5:4000/192.168.1.5:4000#one")
	b, err := a.WithPort(6000)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6000/192.168.1.5:6000", b.String())

	_, err = Set{}.WithPort(1)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestGlobalAddresses(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"8.8.8.8", true},
		{"2001:4860:4860::8888", true},
		{"10.1.2.3", false},
		{"192.168.0.1", false},
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsGlobal(tt.host), tt.host)
	}
	assert.True(t, MustParse("10.0.0.1:1/8.8.8.8:1").HasGlobalAddress())
	assert.False(t, MustParse("10.0.0.1:1").HasGlobalAddress())
}

func TestFromNetAddrAndTokens(t *testing.T) {
	a, err := FromNetAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 80}, "t")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:80#t", a.String())

	_, err = FromNetAddr(nil, "")
	assert.ErrorIs(t, err, ErrEmpty)
	assert.NotEqual(t, NewToken(), NewToken())
}

func TestExpand(t *testing.T) {
	eps, err := Expand(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000})
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:4000"}, eps)

	eps, err = Expand(&net.TCPAddr{IP: net.IPv4zero, Port: 4000})
	require.NoError(t, err)
	require.NotEmpty(t, eps)
	for _, ep := range eps {
		host, port, err := net.SplitHostPort(ep)
		require.NoError(t, err)
		assert.Equal(t, "4000", port)
		assert.NotEqual(t, "0.0.0.0", host)
	}
}
