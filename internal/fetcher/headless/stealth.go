package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/event-crawler/internal/fingerprint"
)

// stealthTemplate overrides the properties automation detectors probe. Every
// value comes from the context's fingerprint so they agree with each other
// and with the emulation overrides.
const stealthTemplate = `(() => {
  'use strict';
  const define = (target, prop, value) => {
    try {
      Object.defineProperty(target, prop, { get: () => value, configurable: true });
    } catch (e) {}
  };

  define(Navigator.prototype, 'webdriver', undefined);
  define(Navigator.prototype, 'platform', {{json .Platform}});
  define(Navigator.prototype, 'languages', Object.freeze({{json .Languages}}));
  define(Navigator.prototype, 'hardwareConcurrency', {{.HardwareConcurrency}});
  define(Navigator.prototype, 'deviceMemory', {{.DeviceMemory}});

  const plugins = [
    { name: 'PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
    { name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
    { name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
  ];
  try {
    const pluginArray = Object.create(PluginArray.prototype);
    plugins.forEach((p, i) => {
      const plugin = Object.create(Plugin.prototype);
      Object.defineProperties(plugin, {
        name: { value: p.name, enumerable: true },
        filename: { value: p.filename, enumerable: true },
        description: { value: p.description, enumerable: true },
        length: { value: 1, enumerable: true },
      });
      pluginArray[i] = plugin;
      pluginArray[p.name] = plugin;
    });
    Object.defineProperty(pluginArray, 'length', { value: plugins.length });
    Object.defineProperty(pluginArray, 'item', { value: (i) => pluginArray[i] || null });
    Object.defineProperty(pluginArray, 'namedItem', { value: (n) => pluginArray[n] || null });
    define(Navigator.prototype, 'plugins', pluginArray);
  } catch (e) {}

  define(Screen.prototype, 'width', {{.ScreenWidth}});
  define(Screen.prototype, 'height', {{.ScreenHeight}});
  define(Screen.prototype, 'availWidth', {{.ScreenWidth}});
  define(Screen.prototype, 'availHeight', {{.AvailHeight}});
  define(Screen.prototype, 'colorDepth', 24);
  define(Screen.prototype, 'pixelDepth', 24);

  if (!window.chrome) {
    window.chrome = { runtime: {} };
  }

  const vendor = {{json .WebGLVendor}};
  const renderer = {{json .WebGLRenderer}};
  const handler = {
    apply(target, self, args) {
      if (args[0] === 37445) return vendor;
      if (args[0] === 37446) return renderer;
      return Reflect.apply(target, self, args);
    },
  };
  for (const ctor of [window.WebGLRenderingContext, window.WebGL2RenderingContext]) {
    if (!ctor) continue;
    try {
      ctor.prototype.getParameter = new Proxy(ctor.prototype.getParameter, handler);
    } catch (e) {}
  }

  if (window.Permissions && Permissions.prototype.query) {
    const query = Permissions.prototype.query;
    Permissions.prototype.query = function (params) {
      if (params && params.name === 'notifications') {
        return Promise.resolve({ state: Notification.permission });
      }
      return query.call(this, params);
    };
  }
})();`

var stealthScript = template.Must(template.New("stealth").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(stealthTemplate))

type stealthParams struct {
	Platform            string
	Languages           []string
	HardwareConcurrency int
	DeviceMemory        int
	ScreenWidth         int
	ScreenHeight        int
	AvailHeight         int
	WebGLVendor         string
	WebGLRenderer       string
}

func renderStealthScript(profile fingerprint.Profile) (string, error) {
	fp := profile.Fingerprint
	languages := fp.Languages
	if len(languages) == 0 {
		languages = []string{"en-US", "en"}
	}
	params := stealthParams{
		Platform:            fp.Platform,
		Languages:           languages,
		HardwareConcurrency: max(fp.HardwareConcurrency, 2),
		DeviceMemory:        max(fp.DeviceMemory, 2),
		ScreenWidth:         profile.Viewport.Width,
		ScreenHeight:        profile.Viewport.Height,
		AvailHeight:         max(profile.Viewport.Height-40, 0),
		WebGLVendor:         fp.WebGLVendor,
		WebGLRenderer:       fp.WebGLRenderer,
	}
	var buf bytes.Buffer
	if err := stealthScript.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render stealth script: %w", err)
	}
	return buf.String(), nil
}

// stealthActions configure a fresh target to present profile.
func stealthActions(profile fingerprint.Profile) (chromedp.Tasks, error) {
	script, err := renderStealthScript(profile)
	if err != nil {
		return nil, err
	}
	fp := profile.Fingerprint
	acceptLanguage := profile.Headers.Get("Accept-Language")
	extra := profile.Headers.Clone()
	extra.Del("User-Agent")

	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			if err != nil {
				return fmt.Errorf("add stealth script: %w", err)
			}
			return nil
		}),
	}
	if profile.UserAgent != "" {
		override := emulation.SetUserAgentOverride(profile.UserAgent)
		if acceptLanguage != "" {
			override = override.WithAcceptLanguage(acceptLanguage)
		}
		if fp.Platform != "" {
			override = override.WithPlatform(fp.Platform)
		}
		tasks = append(tasks, override)
	}
	if profile.Viewport.Width > 0 && profile.Viewport.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(
			int64(profile.Viewport.Width), int64(profile.Viewport.Height), 1, false,
		))
	}
	if fp.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(fp.Timezone))
	}
	if fp.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(fp.Locale))
	}
	if fp.Latitude != 0 || fp.Longitude != 0 {
		tasks = append(tasks, emulation.SetGeolocationOverride().
			WithLatitude(fp.Latitude).
			WithLongitude(fp.Longitude).
			WithAccuracy(50))
	}
	if len(extra) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(toNetworkHeaders(extra)))
	}
	return tasks, nil
}

// storageResetScript empties web storage for the current origin.
const storageResetScript = `(() => {
  try { window.localStorage.clear(); } catch (e) {}
  try { window.sessionStorage.clear(); } catch (e) {}
  return true;
})()`
