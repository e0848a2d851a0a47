package serialmux

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func postForm(path string, form url.Values) *http.Request {
	req := localHostRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestAttachAdminRoutes_GPIBAPI(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = func(addr int, cmd string) string {
		if cmd == "*IDN?" {
			return "HEWLETT-PACKARD,E4446A,0,A.1"
		}
		return ""
	}
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	testCases := []struct {
		name           string
		method         string
		form           url.Values
		expectedStatus int
		bodyContains   string
	}{
		{
			name:           "send command",
			method:         http.MethodPost,
			form:           url.Values{"addr": {"18"}, "command": {"*RST"}},
			expectedStatus: http.StatusOK,
			bodyContains:   "*RST",
		},
		{
			name:           "query",
			method:         http.MethodPost,
			form:           url.Values{"addr": {"18"}, "command": {"*IDN?"}, "query": {"1"}},
			expectedStatus: http.StatusOK,
			bodyContains:   "E4446A",
		},
		{
			name:           "missing command",
			method:         http.MethodPost,
			form:           url.Values{"addr": {"18"}, "command": {"  "}},
			expectedStatus: http.StatusBadRequest,
			bodyContains:   "Missing command",
		},
		{
			name:           "bad address",
			method:         http.MethodPost,
			form:           url.Values{"addr": {"x"}, "command": {"*RST"}},
			expectedStatus: http.StatusBadRequest,
			bodyContains:   "Invalid addr",
		},
		{
			name:           "query without reply",
			method:         http.MethodPost,
			form:           url.Values{"addr": {"3"}, "command": {"MEAS:CURR?"}, "query": {"1"}},
			expectedStatus: http.StatusBadGateway,
			bodyContains:   "Query failed",
		},
		{
			name:           "GET not allowed",
			method:         http.MethodGet,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var req *http.Request
			if tc.method == http.MethodPost {
				req = postForm("/debug/gpib-api", tc.form)
			} else {
				req = localHostRequest(tc.method, "/debug/gpib-api", nil)
			}
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			if w.Code != tc.expectedStatus {
				t.Errorf("Expected status %d, got %d (body %q)", tc.expectedStatus, w.Code, w.Body.String())
			}
			if tc.bodyContains != "" && !strings.Contains(w.Body.String(), tc.bodyContains) {
				t.Errorf("Expected body containing %q, got %q", tc.bodyContains, w.Body.String())
			}
		})
	}
}

func TestAttachAdminRoutes_ConsolePage(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/gpib", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "GPIB console") {
		t.Errorf("Expected console page, got %q", w.Body.String())
	}
}

func TestAttachAdminRoutes_TailJS(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/gpib-tail.js", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Expected javascript content type, got %q", ct)
	}
}

func TestAttachAdminRoutes_TailMethod(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/gpib-tail", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestDisabledSerialMux_AdminRoutes(t *testing.T) {
	d := NewDisabledSerialMux()
	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, postForm("/debug/gpib-api", url.Values{"addr": {"18"}, "command": {"*RST"}}))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "disabled") {
		t.Errorf("Expected disabled error, got %q", w.Body.String())
	}
}
