package fingerprint

// userAgents is a mix of current desktop browsers across the platforms in
// fingerprintTable.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36 Edg/128.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:126.0) Gecko/20100101 Firefox/126.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:129.0) Gecko/20100101 Firefox/129.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.5; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.6; rv:129.0) Gecko/20100101 Firefox/129.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:129.0) Gecko/20100101 Firefox/129.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36 OPR/113.0.0.0",
}

var referers = []string{
	"https://www.google.com/",
	"https://www.google.com/search?q=events+near+me",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"https://www.facebook.com/",
	"https://t.co/",
	"https://www.reddit.com/",
	"https://news.ycombinator.com/",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.8",
	"en-GB,en;q=0.9,en-US;q=0.8",
	"en-US,en;q=0.9,es;q=0.7",
	"en-CA,en;q=0.9,fr-CA;q=0.7",
}

var viewports = []Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1366, Height: 768},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1280, Height: 720},
	{Width: 1600, Height: 900},
	{Width: 1680, Height: 1050},
	{Width: 2560, Height: 1440},
}

// fingerprintTable holds internally consistent device tuples. Latitude and
// Longitude anchor the geolocation override near the tuple's timezone.
var fingerprintTable = []Fingerprint{
	{
		Platform: "Win32", Locale: "en-US", Languages: []string{"en-US", "en"}, Timezone: "America/New_York",
		WebGLVendor: "Google Inc. (NVIDIA)", WebGLRenderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 SUPER Direct3D11 vs_5_0 ps_5_0, D3D11)",
		HardwareConcurrency: 8, DeviceMemory: 8, Latitude: 40.7128, Longitude: -74.0060,
	},
	{
		Platform: "Win32", Locale: "en-US", Languages: []string{"en-US", "en"}, Timezone: "America/Chicago",
		WebGLVendor: "Google Inc. (Intel)", WebGLRenderer: "ANGLE (Intel, Intel(R) UHD Graphics 620 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		HardwareConcurrency: 4, DeviceMemory: 8, Latitude: 41.8781, Longitude: -87.6298,
	},
	{
		Platform: "Win32", Locale: "en-GB", Languages: []string{"en-GB", "en"}, Timezone: "Europe/London",
		WebGLVendor: "Google Inc. (AMD)", WebGLRenderer: "ANGLE (AMD, AMD Radeon RX 6600 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		HardwareConcurrency: 12, DeviceMemory: 16, Latitude: 51.5074, Longitude: -0.1278,
	},
	{
		Platform: "MacIntel", Locale: "en-US", Languages: []string{"en-US", "en"}, Timezone: "America/Los_Angeles",
		WebGLVendor: "Apple Inc.", WebGLRenderer: "Apple M1",
		HardwareConcurrency: 8, DeviceMemory: 8, Latitude: 34.0522, Longitude: -118.2437,
	},
	{
		Platform: "MacIntel", Locale: "en-US", Languages: []string{"en-US", "en"}, Timezone: "America/Denver",
		WebGLVendor: "Intel Inc.", WebGLRenderer: "Intel Iris OpenGL Engine",
		HardwareConcurrency: 4, DeviceMemory: 8, Latitude: 39.7392, Longitude: -104.9903,
	},
	{
		Platform: "MacIntel", Locale: "en-CA", Languages: []string{"en-CA", "en"}, Timezone: "America/Toronto",
		WebGLVendor: "Apple Inc.", WebGLRenderer: "Apple M2",
		HardwareConcurrency: 8, DeviceMemory: 16, Latitude: 43.6532, Longitude: -79.3832,
	},
	{
		Platform: "Linux x86_64", Locale: "en-US", Languages: []string{"en-US", "en"}, Timezone: "America/New_York",
		WebGLVendor: "Google Inc. (Intel)", WebGLRenderer: "ANGLE (Intel, Mesa Intel(R) UHD Graphics 630 (CFL GT2), OpenGL 4.6)",
		HardwareConcurrency: 8, DeviceMemory: 16, Latitude: 42.3601, Longitude: -71.0589,
	},
	{
		Platform: "Linux x86_64", Locale: "en-US", Languages: []string{"en-US", "en"}, Timezone: "America/Phoenix",
		WebGLVendor: "Google Inc. (NVIDIA Corporation)", WebGLRenderer: "ANGLE (NVIDIA Corporation, NVIDIA GeForce RTX 3060/PCIe/SSE2, OpenGL 4.5.0)",
		HardwareConcurrency: 16, DeviceMemory: 32, Latitude: 33.4484, Longitude: -112.0740,
	},
}
