package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	browserNavTimeout  = 30 * time.Second
	browserMaxExtract  = 30000
	browserIdleTimeout = 5 * time.Minute
)

// browserSession owns a lazily launched headless browser shared by the
// browser tools. The browser is torn down after a period of inactivity.
type browserSession struct {
	mu       sync.Mutex
	browser  *rod.Browser
	page     *rod.Page
	lastUsed time.Time
}

var sharedBrowser = &browserSession{}

func (s *browserSession) acquire() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		path, err := launcher.New().Headless(true).NoSandbox(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		browser := rod.New().ControlURL(path)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("connect browser: %w", err)
		}
		s.browser = browser
	}
	if s.page == nil {
		page, err := s.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, fmt.Errorf("open page: %w", err)
		}
		s.page = page
	}
	s.lastUsed = time.Now()
	time.AfterFunc(browserIdleTimeout, s.reapIfIdle)
	return s.page, nil
}

func (s *browserSession) reapIfIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil || time.Since(s.lastUsed) < browserIdleTimeout {
		return
	}
	if err := s.browser.Close(); err != nil {
		slog.Debug("browser close", "error", err)
	}
	s.browser = nil
	s.page = nil
}

// Shutdown closes the shared browser if one is running.
func ShutdownBrowser() {
	sharedBrowser.mu.Lock()
	defer sharedBrowser.mu.Unlock()
	if sharedBrowser.browser != nil {
		_ = sharedBrowser.browser.Close()
		sharedBrowser.browser = nil
		sharedBrowser.page = nil
	}
}

// --- browser_navigate ---

// BrowserNavigateTool drives the shared headless browser to a URL and reports
// the resulting page title and visible text.
type BrowserNavigateTool struct{}

func NewBrowserNavigateTool() *BrowserNavigateTool { return &BrowserNavigateTool{} }

func (t *BrowserNavigateTool) Name() string { return "browser_navigate" }

func (t *BrowserNavigateTool) Description() string {
	return "Navigate the headless browser to a URL and return the page title and visible text. Use for pages that need JavaScript rendering."
}

func (t *BrowserNavigateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to open",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowserNavigateTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "browser-navigate",
		Mappings: []XMLMapping{
			{Param: "url", NodeType: XMLNodeAttribute, Path: "url", Required: true},
		},
		Example: `<browser-navigate url="https://example.com"></browser-navigate>`,
	}
}

func (t *BrowserNavigateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	page, err := sharedBrowser.acquire()
	if err != nil {
		return ErrorResult(err.Error())
	}

	page = page.Context(ctx).Timeout(browserNavTimeout)
	if err := page.Navigate(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("navigate: %v", err))
	}
	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("wait load: %v", err))
	}

	info, err := page.Info()
	if err != nil {
		return ErrorResult(fmt.Sprintf("page info: %v", err))
	}

	text, err := pageVisibleText(page)
	if err != nil {
		return ErrorResult(fmt.Sprintf("extract text: %v", err))
	}
	if len(text) > browserMaxExtract {
		text = text[:browserMaxExtract] + "\n[truncated]"
	}

	out := fmt.Sprintf("Title: %s\nURL: %s\n\n%s", info.Title, info.URL, text)
	return NewResult(wrapExternalContent(out, "Browser", true))
}

// --- browser_extract ---

// BrowserExtractTool pulls text out of the current page, optionally scoped to
// a CSS selector.
type BrowserExtractTool struct{}

func NewBrowserExtractTool() *BrowserExtractTool { return &BrowserExtractTool{} }

func (t *BrowserExtractTool) Name() string { return "browser_extract" }

func (t *BrowserExtractTool) Description() string {
	return "Extract text from the page currently open in the headless browser, optionally limited to a CSS selector."
}

func (t *BrowserExtractTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "Optional CSS selector; defaults to the whole page body",
			},
		},
	}
}

func (t *BrowserExtractTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "browser-extract",
		Mappings: []XMLMapping{
			{Param: "selector", NodeType: XMLNodeAttribute, Path: "selector"},
		},
		Example: `<browser-extract selector="main article"></browser-extract>`,
	}
}

func (t *BrowserExtractTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sharedBrowser.mu.Lock()
	page := sharedBrowser.page
	sharedBrowser.mu.Unlock()
	if page == nil {
		return ErrorResult("no page is open; call browser_navigate first")
	}
	page = page.Context(ctx).Timeout(browserNavTimeout)

	selector, _ := args["selector"].(string)
	var text string
	var err error
	if selector == "" {
		text, err = pageVisibleText(page)
	} else {
		var el *rod.Element
		el, err = page.Element(selector)
		if err == nil {
			text, err = el.Text()
		}
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("extract: %v", err))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return ErrorResult("no text found")
	}
	if len(text) > browserMaxExtract {
		text = text[:browserMaxExtract] + "\n[truncated]"
	}
	return NewResult(wrapExternalContent(text, "Browser", true))
}

func pageVisibleText(page *rod.Page) (string, error) {
	el, err := page.Element("body")
	if err != nil {
		return "", err
	}
	return el.Text()
}

// --- web_browser_takeover ---

// BrowserTakeoverTool hands browsing control to the user. Terminal: the run
// ends so the user can interact with the page directly.
type BrowserTakeoverTool struct{}

func NewBrowserTakeoverTool() *BrowserTakeoverTool { return &BrowserTakeoverTool{} }

func (t *BrowserTakeoverTool) Name() string { return "web_browser_takeover" }

func (t *BrowserTakeoverTool) Terminal() bool { return true }

func (t *BrowserTakeoverTool) Description() string {
	return "Request that the user take over the browser, for logins, CAPTCHAs, or other interactions the agent cannot perform. Ends the current run."
}

func (t *BrowserTakeoverTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "What the user should do in the browser and why",
			},
		},
		"required": []string{"text"},
	}
}

func (t *BrowserTakeoverTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "web-browser-takeover",
		Mappings: []XMLMapping{
			{Param: "text", NodeType: XMLNodeContent, Required: true},
		},
		Example: "<web-browser-takeover>Please log in to your account, then tell me to continue.</web-browser-takeover>",
	}
}

func (t *BrowserTakeoverTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrorResult("text is required")
	}
	return UserResult(`{"status":"awaiting_browser_takeover"}`, text)
}
