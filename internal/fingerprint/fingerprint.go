// Package fingerprint produces self-consistent synthetic client profiles so
// each provisioning run presents as an independent real device.
package fingerprint

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Viewport is a device screen size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Fingerprint is an immutable synthetic client profile. Platform always
// agrees with the user agent's OS family.
type Fingerprint struct {
	UserAgent         string
	Platform          string
	Viewport          Viewport
	Locale            string
	Timezone          string
	DeviceScaleFactor float64
	Mobile            bool
}

type uaEntry struct {
	userAgent string
	platform  string
	mobile    bool
}

// The UA pool mixes current desktop and mobile builds. Platform tokens are
// the values navigator.platform reports for each OS family.
var uaPool = []uaEntry{
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "Win32", false},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0", "Win32", false},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0", "Win32", false},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "MacIntel", false},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15", "MacIntel", false},
	{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36", "Linux x86_64", false},
	{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36", "Linux armv8l", true},
	{"Mozilla/5.0 (Linux; Android 13; SM-G991B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Mobile Safari/537.36", "Linux armv8l", true},
	{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1", "iPhone", true},
	{"Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1", "iPad", true},
}

var desktopViewports = []Viewport{
	{1920, 1080}, {1680, 1050}, {1536, 864}, {1440, 900}, {1366, 768}, {2560, 1440},
}

var mobileViewports = []Viewport{
	{390, 844}, {393, 873}, {412, 915}, {428, 926}, {360, 800},
}

var locales = []string{"en-US", "en-GB", "de-DE", "fr-FR", "es-ES", "pt-BR", "ja-JP"}

var timezones = []string{
	"America/New_York", "America/Chicago", "America/Los_Angeles",
	"Europe/London", "Europe/Berlin", "Europe/Paris",
	"Asia/Tokyo", "Australia/Sydney",
}

var scaleFactors = []float64{1.0, 1.25, 1.5, 2.0}

// Generator samples fingerprints from the fixed pools.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator seeded from the wall clock. Pass a non-nil
// rng to make sampling reproducible in tests.
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rng: rng}
}

// Generate returns a fresh fingerprint. Viewport pool follows the mobility of
// the sampled user agent; everything else is sampled independently.
func (g *Generator) Generate() Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := uaPool[g.rng.Intn(len(uaPool))]

	var vp Viewport
	if entry.mobile {
		vp = mobileViewports[g.rng.Intn(len(mobileViewports))]
	} else {
		vp = desktopViewports[g.rng.Intn(len(desktopViewports))]
	}

	return Fingerprint{
		UserAgent:         entry.userAgent,
		Platform:          entry.platform,
		Viewport:          vp,
		Locale:            locales[g.rng.Intn(len(locales))],
		Timezone:          timezones[g.rng.Intn(len(timezones))],
		DeviceScaleFactor: scaleFactors[g.rng.Intn(len(scaleFactors))],
		Mobile:            entry.mobile,
	}
}

// Apply builds the CDP actions that impose the fingerprint on a browser
// session: user agent and platform override, viewport metrics, timezone,
// locale, and a matching Accept-Language header.
func Apply(fp Fingerprint) chromedp.Tasks {
	lang := fp.Locale
	base := fp.Locale
	if i := strings.Index(base, "-"); i > 0 {
		base = base[:i]
	}

	return chromedp.Tasks{
		emulation.SetUserAgentOverride(fp.UserAgent).
			WithPlatform(fp.Platform).
			WithAcceptLanguage(fmt.Sprintf("%s,%s;q=0.9", lang, base)),
		emulation.SetDeviceMetricsOverride(int64(fp.Viewport.Width), int64(fp.Viewport.Height), fp.DeviceScaleFactor, fp.Mobile),
		emulation.SetTimezoneOverride(fp.Timezone),
		emulation.SetLocaleOverride().WithLocale(fp.Locale),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetExtraHTTPHeaders(network.Headers{
				"Accept-Language": fmt.Sprintf("%s,%s;q=0.9", lang, base),
			}).Do(ctx)
		}),
	}
}
