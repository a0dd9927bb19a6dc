package bridge

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

// Page scripts are fixed protocol messages. Each begins with a tag comment
// naming the message and takes its arguments as one JSON literal spliced in
// place of __ARGS__; nothing caller-controlled is ever concatenated as code.
const (
	tagArm    = "/* bridge:arm */"
	tagDrain  = "/* bridge:drain */"
	tagShadow = "/* bridge:shadow */"
)

// armScript installs a single-shot wrapper over the page's own fetch. The
// first call matching pattern and method is rewritten with the payload, and
// its response body is teed into window.__veniceBridge.captures[token].
//
// The unwrapped fetch is stored once in window.__veniceBridge.original and
// every wrapper is built on it, never on the current window.fetch. Only the
// wrapper whose token is root.active may intercept, so a wrapper left behind
// by an attempt whose call never fired passes everything straight through.
// Arming drops every capture from earlier attempts.
const armScript = tagArm + `
((args) => {
  const root = (window.__veniceBridge = window.__veniceBridge || {});
  if (!root.original) {
    root.original = window.fetch;
  }
  const originalFetch = root.original;
  root.captures = {};
  root.active = args.token;
  const capture = (root.captures[args.token] = { chunks: [], complete: false, error: '' });

  const toBase64 = (bytes) => {
    let bin = '';
    for (let i = 0; i < bytes.length; i += 0x8000) {
      bin += String.fromCharCode.apply(null, Array.from(bytes.subarray(i, i + 0x8000)));
    }
    return btoa(bin);
  };

  window.fetch = async function (input, init) {
    if (root.active !== args.token) {
      return originalFetch.apply(this, arguments);
    }
    const url = typeof input === 'string' ? input : (input && input.url) || String(input);
    const method = ((init && init.method) || (input && input.method) || 'GET').toUpperCase();
    if (!url.includes(args.pattern) || method !== args.method) {
      return originalFetch.apply(this, arguments);
    }
    root.active = '';
    window.fetch = originalFetch;

    init = Object.assign({}, init);
    let body = {};
    try {
      body = init.body ? JSON.parse(init.body) : {};
    } catch (e) {
      body = {};
    }
    delete body.requestId;
    Object.assign(body, args.payload);
    init.body = JSON.stringify(body);

    const length = String(new Blob([init.body]).size);
    if (typeof Headers !== 'undefined' && init.headers instanceof Headers) {
      init.headers.set('Content-Length', length);
    } else {
      init.headers = Object.assign({}, init.headers, { 'Content-Length': length });
    }

    let response;
    try {
      response = await originalFetch.call(this, input, init);
    } catch (err) {
      capture.error = String(err);
      capture.complete = true;
      throw err;
    }
    if (!response.body) {
      capture.complete = true;
      return response;
    }

    const reader = response.body.getReader();
    const stream = new ReadableStream({
      start(controller) {
        const pump = () =>
          reader.read().then(({ done, value }) => {
            if (done) {
              capture.complete = true;
              controller.close();
              return;
            }
            const bytes = typeof value === 'string' ? new TextEncoder().encode(value) : value;
            capture.chunks.push(toBase64(bytes));
            controller.enqueue(value);
            return pump();
          }).catch((err) => {
            capture.error = String(err);
            capture.complete = true;
            controller.error(err);
          });
        pump();
      },
    });
    return new Response(stream, {
      status: response.status,
      statusText: response.statusText,
      headers: response.headers,
    });
  };
  return true;
})(__ARGS__)`

// drainScript takes and clears every buffered chunk for a token and reports
// the completion flag in the same evaluation, so no chunk can slip between
// the two reads.
const drainScript = tagDrain + `
((args) => {
  const root = window.__veniceBridge || {};
  const captures = root.captures || {};
  const capture = captures[args.token];
  if (!capture) {
    return { armed: false, chunks: [], complete: false, error: '' };
  }
  const chunks = capture.chunks.splice(0, capture.chunks.length);
  const complete = capture.complete;
  if (complete) {
    delete captures[args.token];
  }
  return { armed: true, chunks: chunks, complete: complete, error: capture.error || '' };
})(__ARGS__)`

// shadowScript walks a chain of selectors, descending into each match's
// shadow root. With click set it activates the final element.
const shadowScript = tagShadow + `
((args) => {
  let root = document;
  for (let i = 0; i < args.path.length; i++) {
    const el = root.querySelector(args.path[i]);
    if (!el) {
      return { found: false, enabled: false, depth: i };
    }
    if (i === args.path.length - 1) {
      const enabled = !el.disabled && el.getAttribute('aria-disabled') !== 'true';
      if (args.click && enabled) {
        el.click();
      }
      return { found: true, enabled: enabled, depth: i + 1 };
    }
    root = el.shadowRoot || el;
  }
  return { found: false, enabled: false, depth: 0 };
})(__ARGS__)`

func render(script string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode script arguments: %w", err)
	}
	return strings.Replace(script, "__ARGS__", string(raw), 1), nil
}

type armArgs struct {
	Token   string  `json:"token"`
	Pattern string  `json:"pattern"`
	Method  string  `json:"method"`
	Payload Payload `json:"payload"`
}

type drainArgs struct {
	Token string `json:"token"`
}

// drainResult is what drainScript returns. Chunks arrive base64 encoded,
// which encoding/json style decoders map straight onto []byte.
type drainResult struct {
	Armed    bool     `json:"armed"`
	Chunks   [][]byte `json:"chunks"`
	Complete bool     `json:"complete"`
	Error    string   `json:"error"`
}

type shadowArgs struct {
	Path  []string `json:"path"`
	Click bool     `json:"click"`
}

type shadowResult struct {
	Found   bool `json:"found"`
	Enabled bool `json:"enabled"`
	Depth   int  `json:"depth"`
}

// scriptTag returns the protocol tag a script starts with.
func scriptTag(script string) string {
	for _, tag := range []string{tagArm, tagDrain, tagShadow} {
		if strings.HasPrefix(script, tag) {
			return tag
		}
	}
	return ""
}
