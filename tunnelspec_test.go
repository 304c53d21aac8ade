package tunnelkeeper_test

import (
	gc "gopkg.in/check.v1"

	"github.com/superwhys/tunnelkeeper"
)

type tunnelSpecSuite struct{}

var _ = gc.Suite(&tunnelSpecSuite{})

var parseMappingTests = []struct {
	about    string
	raw      string
	bindHost string
	expect   tunnelkeeper.TunnelSpec
	err      string
}{{
	about:    "three fields use the default bind host",
	raw:      "9000:127.0.0.1:3000",
	bindHost: "0.0.0.0",
	expect: tunnelkeeper.TunnelSpec{
		RemoteBindHost: "0.0.0.0",
		RemoteBindPort: 9000,
		LocalHost:      "127.0.0.1",
		LocalPort:      3000,
		Label:          "0.0.0.0:9000->127.0.0.1:3000",
	},
}, {
	about:    "four fields name the bind host explicitly",
	raw:      "10.0.0.5:9000:127.0.0.1:3000",
	bindHost: "0.0.0.0",
	expect: tunnelkeeper.TunnelSpec{
		RemoteBindHost: "10.0.0.5",
		RemoteBindPort: 9000,
		LocalHost:      "127.0.0.1",
		LocalPort:      3000,
		Label:          "10.0.0.5:9000->127.0.0.1:3000",
	},
}, {
	about:    "too few fields",
	raw:      "abc:3000",
	bindHost: "0.0.0.0",
	err:      `configuration: invalid mapping "abc:3000": .*`,
}, {
	about:    "non-integer remote port",
	raw:      "abc:127.0.0.1:3000",
	bindHost: "0.0.0.0",
	err:      `configuration: invalid mapping "abc:127.0.0.1:3000": port "abc" is not a number`,
}, {
	about:    "non-integer local port",
	raw:      "9000:127.0.0.1:xyz",
	bindHost: "0.0.0.0",
	err:      `configuration: invalid mapping "9000:127.0.0.1:xyz": port "xyz" is not a number`,
}, {
	about:    "remote port out of range",
	raw:      "70000:127.0.0.1:3000",
	bindHost: "0.0.0.0",
	err:      `configuration: invalid mapping "70000:127.0.0.1:3000": port 70000 out of range \[1, 65535\]`,
}, {
	about:    "zero local port is rejected",
	raw:      "9000:127.0.0.1:0",
	bindHost: "0.0.0.0",
	err:      `configuration: invalid mapping "9000:127.0.0.1:0": port 0 out of range \[1, 65535\]`,
}, {
	about:    "five fields",
	raw:      "a:b:9000:127.0.0.1:3000",
	bindHost: "0.0.0.0",
	err:      `configuration: invalid mapping "a:b:9000:127.0.0.1:3000": want \[BIND_HOST:\]REMOTE_PORT:LOCAL_HOST:LOCAL_PORT`,
}}

func (s *tunnelSpecSuite) TestParseMapping(c *gc.C) {
	for i, t := range parseMappingTests {
		c.Logf("test %d: %s", i, t.about)
		spec, err := tunnelkeeper.ParseMapping(t.raw, t.bindHost)
		if t.err != "" {
			c.Check(err, gc.ErrorMatches, t.err)
			c.Check(tunnelkeeper.IsConfiguration(err), gc.Equals, true)
			continue
		}
		c.Check(err, gc.IsNil)
		c.Check(spec, gc.DeepEquals, t.expect)
	}
}

func (s *tunnelSpecSuite) TestAddrs(c *gc.C) {
	spec, err := tunnelkeeper.NewTunnelSpec("0.0.0.0", 9000, "127.0.0.1", 3000)
	c.Assert(err, gc.IsNil)
	c.Check(spec.BindAddr(), gc.Equals, "0.0.0.0:9000")
	c.Check(spec.LocalAddr(), gc.Equals, "127.0.0.1:3000")
}

func (s *tunnelSpecSuite) TestNewTunnelSpecValidation(c *gc.C) {
	_, err := tunnelkeeper.NewTunnelSpec("0.0.0.0", 9000, "", 3000)
	c.Check(err, gc.ErrorMatches, "configuration: local host must not be empty")

	_, err = tunnelkeeper.NewTunnelSpec("0.0.0.0", 0, "127.0.0.1", 3000)
	c.Check(err, gc.ErrorMatches, `configuration: remote bind port: port 0 out of range \[1, 65535\]`)
}
