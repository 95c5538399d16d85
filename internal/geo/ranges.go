package geo

// builtinRanges is a small, illustrative CIDR-to-location table covering
// a few public blocks on every inhabited continent plus the private/reserved ranges
// the Simulator's synthetic traffic is most likely to generate. It is not a
// full geo-IP database — see DESIGN.md for why none is pulled in.
var builtinRanges = []struct {
	cidr    string
	country string
	lat     float64
	lon     float64
}{
	{"3.0.0.0/8", "US", 37.751, -97.822},
	{"13.32.0.0/15", "US", 39.043, -77.487},
	{"18.130.0.0/16", "GB", 51.509, -0.118},
	{"35.176.0.0/13", "GB", 51.509, -0.118},
	{"52.16.0.0/14", "IE", 53.349, -6.260},
	{"52.28.0.0/15", "DE", 50.110, 8.682},
	{"52.57.0.0/16", "DE", 50.110, 8.682},
	{"54.64.0.0/13", "JP", 35.690, 139.692},
	{"54.153.0.0/16", "AU", -33.868, 151.209},
	{"54.169.0.0/16", "SG", 1.352, 103.820},
	{"58.96.0.0/11", "CN", 39.904, 116.407},
	{"103.21.244.0/22", "IN", 28.613, 77.209},
	{"105.0.0.0/8", "ZA", -33.925, 18.424},
	{"177.0.0.0/8", "BR", -23.551, -46.633},
	{"190.0.0.0/8", "AR", -34.604, -58.382},
	{"196.0.0.0/8", "EG", 30.044, 31.236},
	{"203.0.113.0/24", "KR", 37.567, 126.978},

	{"10.0.0.0/8", "ZZ", 0, 0},
	{"172.16.0.0/12", "ZZ", 0, 0},
	{"192.168.0.0/16", "ZZ", 0, 0},
	{"127.0.0.0/8", "ZZ", 0, 0},

	{"2001:db8::/32", "ZZ", 0, 0},
}
