package session

import "sync"

// Navigator is the view-routing side of the client. The coordinator asks it to
// show the login view when the session cannot be recovered.
type Navigator interface {
	CurrentView() string
	RedirectToLogin()
}

// ViewTracker is a Navigator that remembers the current view and calls
// OnRedirect when a login redirect is requested.
type ViewTracker struct {
	LoginView  string
	OnRedirect func()

	mu   sync.Mutex
	view string
}

var _ Navigator = (*ViewTracker)(nil)

func NewViewTracker(loginView string, onRedirect func()) *ViewTracker {
	if loginView == "" {
		loginView = DefaultLoginView
	}
	return &ViewTracker{
		LoginView:  loginView,
		OnRedirect: onRedirect,
	}
}

func (v *ViewTracker) SetView(view string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.view = view
}

func (v *ViewTracker) CurrentView() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.view
}

func (v *ViewTracker) RedirectToLogin() {
	v.mu.Lock()
	v.view = v.LoginView
	onRedirect := v.OnRedirect
	v.mu.Unlock()

	if onRedirect != nil {
		onRedirect()
	}
}
