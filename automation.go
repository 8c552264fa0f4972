package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"offerclip/internal/portal"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var (
	// loginMu serializes login prompts; concurrent accounts share one terminal.
	loginMu    sync.Mutex
	loginInput = bufio.NewReader(os.Stdin)
)

// Automation owns the browser of one account.
type Automation struct {
	config   *Config
	account  AccountConfig
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	portal   *portal.Page
	log      *zap.Logger
}

func NewAutomation(config *Config, account AccountConfig) *Automation {
	return &Automation{
		config:  config,
		account: account,
		log:     zap.L().With(zap.String("account", account.Name)),
	}
}

// Open launches the browser, waits for the user to log in if needed and
// lands on the offers page.
func (a *Automation) Open(ctx context.Context) (cardPage, error) {
	if err := a.setupBrowser(); err != nil {
		return nil, err
	}
	if err := a.waitForLogin(ctx); err != nil {
		return nil, err
	}
	if err := a.portal.OpenOffers(ctx, a.config.Navigation()); err != nil {
		return nil, err
	}
	return a.portal, nil
}

func (a *Automation) Close() {
	a.log.Debug(T("cleaning_up"))

	if a.config.KeepBrowserOpen {
		return
	}

	if a.page != nil {
		a.page.Close()
	}

	if a.browser != nil {
		a.browser.Close()
	}

	if a.launcher != nil {
		a.launcher.Cleanup()
	}

	a.log.Debug(T("browser_destroyed"))
}

func (a *Automation) setupBrowser() error {
	fmt.Println(T("browser_launching", a.account.Name))

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	a.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Headless)

	// Must be set before Bin()
	profile := a.config.ProfilePath(a.account)
	a.launcher = a.launcher.UserDataDir(profile)
	a.log.Debug("browser profile", zap.String("path", profile))

	if chromePath, ok := launcher.LookPath(); ok {
		a.launcher = a.launcher.Bin(chromePath)
		a.log.Debug(T("browser_using_system_chrome"), zap.String("path", chromePath))
	} else {
		fmt.Println(T("browser_chrome_not_found"))
	}

	url, err := a.launcher.Launch()
	if err != nil {
		return launchError(err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return eris.Wrap(err, "failed to connect to browser")
	}
	a.browser = browser

	fmt.Println(T("browser_launched", a.account.Name))
	return nil
}

func launchError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Opening in existing browser session"),
		strings.Contains(msg, "ProcessSingleton"),
		strings.Contains(msg, "SingletonLock"):
		fmt.Println(T("error_chrome_already_running"))
		return eris.Wrap(err, "browser profile already in use")
	case strings.Contains(msg, "Access is denied"), strings.Contains(msg, "permission denied"):
		fmt.Println(T("error_browser_download_permission"))
		return eris.Wrap(err, "browser setup failed")
	default:
		return eris.Wrap(err, "failed to launch browser")
	}
}

// waitForLogin opens the offers page and, when the portal redirects
// elsewhere, asks the user to log in by hand.
func (a *Automation) waitForLogin(ctx context.Context) error {
	page, err := stealth.Page(a.browser)
	if err != nil {
		return eris.Wrap(err, "failed to create stealth page")
	}
	a.page = page
	a.portal = portal.New(page, portal.Options{
		OffersURL:       a.config.OffersURL,
		Selectors:       a.config.Selectors,
		ActionTimeout:   a.config.PageTimeout(),
		ActivatedMarker: a.config.ActivatedMarkers,
	})

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		a.log.Debug("failed to set user agent", zap.Error(err))
	}

	if err := page.Context(ctx).Navigate(a.config.OffersURL); err != nil {
		return eris.Wrap(err, "failed to navigate")
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		return eris.Wrap(err, "page failed to load")
	}

	if ok, err := a.portal.CurrentPageIsOffersPage(ctx); err == nil && ok {
		a.log.Info(T("login_session_reused"))
		return nil
	}

	loginMu.Lock()
	defer loginMu.Unlock()

	fmt.Println()
	fmt.Println(T("login_required_header", a.account.Name))
	fmt.Println(T("login_instructions"))
	fmt.Print(T("login_prompt"))

	if err := waitForEnter(ctx, loginInput); err != nil {
		return err
	}
	fmt.Println(T("user_confirmed_ready"))
	return nil
}

// waitForEnter blocks until Enter. Esc or ctx cancels. The read itself
// cannot be interrupted; on cancel it is left running and its result dropped.
func waitForEnter(ctx context.Context, r io.ByteReader) error {
	done := make(chan error, 1)
	go func() {
		done <- readUntilEnter(r)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fmt.Println()
		return eris.Wrap(ctx.Err(), "login prompt interrupted")
	}
}

func readUntilEnter(r io.ByteReader) error {
	for {
		input, err := r.ReadByte()
		if err != nil {
			return eris.Wrap(err, "failed to read input")
		}

		if input == '\n' || input == '\r' {
			return nil
		}

		if input == 27 {
			fmt.Println()
			fmt.Println(T("user_requested_exit"))
			return eris.New("user canceled operation")
		}
	}
}
