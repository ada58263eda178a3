package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	apperrors "github.com/lotab/harness/internal/errors"
)

// LaunchOptions configures the automated browser.
type LaunchOptions struct {
	// BrowserBin is the Chromium executable; empty lets rod locate or
	// download one.
	BrowserBin string
	// ExtensionPath is the unpacked extension directory.
	ExtensionPath string
	// UserDataDir is a fresh profile directory; empty uses a temporary one.
	UserDataDir string
	Headless    bool
}

// Session is a browser launched with the extension loaded.
type Session struct {
	launcher *launcher.Launcher
	browser  *rod.Browser

	mu    sync.Mutex
	pages []*rod.Page
}

// Launch starts Chromium with the unpacked extension and connects to it.
func Launch(ctx context.Context, opts LaunchOptions) (*Session, error) {
	ext, err := filepath.Abs(opts.ExtensionPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBridgeLaunchFailed, "resolve extension path", err)
	}

	l := launcher.New().
		Headless(opts.Headless).
		Set(flags.Flag("load-extension"), ext).
		Set(flags.Flag("disable-extensions-except"), ext).
		// Keep the initial window so the first tab can be reused as a fixture.
		Delete(flags.Flag("no-startup-window"))
	if opts.BrowserBin != "" {
		l = l.Bin(opts.BrowserBin)
	}
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBridgeLaunchFailed, "launch browser", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, apperrors.Wrap(apperrors.CodeBridgeLaunchFailed, "connect to browser", err)
	}
	log.Printf("bridge: browser ready at %s (extension %s)", controlURL, ext)
	return &Session{launcher: l, browser: browser}, nil
}

// Targets lists every debuggable context in the browser.
func (s *Session) Targets(ctx context.Context) ([]Target, error) {
	res, err := proto.TargetGetTargets{}.Call(s.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	targets := make([]Target, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		targets = append(targets, Target{
			ID:   string(info.TargetID),
			Type: string(info.Type),
			URL:  info.URL,
		})
	}
	return targets, nil
}

// Attach opens a flattened CDP session to t and enables its runtime.
func (s *Session) Attach(ctx context.Context, t Target) (Evaluator, error) {
	res, err := proto.TargetAttachToTarget{
		TargetID: proto.TargetTargetID(t.ID),
		Flatten:  true,
	}.Call(s.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", t.URL, err)
	}

	client := &sessionClient{browser: s.browser, sessionID: res.SessionID, ctx: ctx}
	if err := (proto.RuntimeEnable{}).Call(client); err != nil {
		return nil, fmt.Errorf("enable runtime on %s: %w", t.URL, err)
	}
	return &cdpEvaluator{client: client}, nil
}

// AttachExtension waits for the extension's background context.
func (s *Session) AttachExtension(ctx context.Context, opts AttachOptions) (*Extension, error) {
	return Attach(ctx, s, opts)
}

// OpenTab navigates the first blank page, or a new one, to url and sets its
// document title.
func (s *Session) OpenTab(ctx context.Context, url, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page *rod.Page
	if len(s.pages) == 0 {
		existing, err := s.browser.Context(ctx).Pages()
		if err == nil && len(existing) > 0 {
			page = existing.First()
			if err := page.Navigate(url); err != nil {
				return fmt.Errorf("navigate to %s: %w", url, err)
			}
		}
	}
	if page == nil {
		p, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
		if err != nil {
			return fmt.Errorf("open %s: %w", url, err)
		}
		page = p
	}
	s.pages = append(s.pages, page)

	if err := page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	if _, err := page.Context(ctx).Eval(`(t) => { document.title = t }`, title); err != nil {
		return fmt.Errorf("set title on %s: %w", url, err)
	}
	return nil
}

// Close shuts the browser down and removes its temporary profile.
func (s *Session) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	return err
}

// sessionClient routes proto calls to one flattened target session.
type sessionClient struct {
	browser   *rod.Browser
	sessionID proto.TargetSessionID
	ctx       context.Context
}

func (c *sessionClient) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	return c.browser.Call(ctx, sessionID, method, params)
}

func (c *sessionClient) GetSessionID() proto.TargetSessionID {
	return c.sessionID
}

func (c *sessionClient) GetContext() context.Context {
	return c.ctx
}

type cdpEvaluator struct {
	client *sessionClient
}

func (e *cdpEvaluator) Evaluate(ctx context.Context, expr string, out any) error {
	client := *e.client
	client.ctx = ctx
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		AwaitPromise:  true,
		ReturnByValue: true,
	}.Call(&client)
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		msg := res.ExceptionDetails.Text
		if ex := res.ExceptionDetails.Exception; ex != nil && ex.Description != "" {
			msg = ex.Description
		}
		return fmt.Errorf("evaluation threw: %s", msg)
	}
	if out == nil || res.Result == nil {
		return nil
	}
	raw, err := res.Result.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("read evaluation result: %w", err)
	}
	return json.Unmarshal(raw, out)
}
