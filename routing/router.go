// Package routing decides what a navigation renders for a given session.
// Route is pure and total: every (session, path) pair yields one Target.
package routing

import (
	"agency-crm/domain"
	"path"
	"strings"
)

const (
	PathRoot           = "/"
	PathLogin          = "/login"
	PathRegister       = "/register"
	PathAdminLogin     = "/admin/login"
	PathDashboard      = "/dashboard"
	PathAdminDashboard = "/admin/dashboard"
)

type Screen string

const (
	ScreenLoading    Screen = "loading"
	ScreenLogin      Screen = "login"
	ScreenRegister   Screen = "register"
	ScreenAdminLogin Screen = "admin-login"

	ScreenOverview Screen = "dashboard/overview"
	ScreenClients  Screen = "dashboard/clients"
	ScreenServices Screen = "dashboard/services"
	ScreenOrders   Screen = "dashboard/orders"
	ScreenPayments Screen = "dashboard/payments"
	ScreenMessages Screen = "dashboard/messages"

	ScreenAdminOverview  Screen = "admin/overview"
	ScreenAdminUsers     Screen = "admin/users"
	ScreenAdminServices  Screen = "admin/services"
	ScreenAdminOrders    Screen = "admin/orders"
	ScreenAdminPayments  Screen = "admin/payments"
	ScreenAdminAnalytics Screen = "admin/analytics"
)

var dashboardScreens = map[string]Screen{
	"":         ScreenOverview,
	"overview": ScreenOverview,
	"clients":  ScreenClients,
	"services": ScreenServices,
	"orders":   ScreenOrders,
	"payments": ScreenPayments,
	"messages": ScreenMessages,
}

var adminScreens = map[string]Screen{
	"":          ScreenAdminOverview,
	"overview":  ScreenAdminOverview,
	"users":     ScreenAdminUsers,
	"services":  ScreenAdminServices,
	"orders":    ScreenAdminOrders,
	"payments":  ScreenAdminPayments,
	"analytics": ScreenAdminAnalytics,
}

// Target is either a Screen to render or a Redirect to follow.
type Target struct {
	Screen   Screen
	Redirect string
}

func render(screen Screen) Target {
	return Target{Screen: screen}
}

func redirect(to string) Target {
	return Target{Redirect: to}
}

func (t Target) IsRedirect() bool {
	return t.Redirect != ""
}

func (t Target) String() string {
	if t.IsRedirect() {
		return "redirect " + t.Redirect
	}
	return "render " + string(t.Screen)
}

// Home is the landing path for a role.
func Home(role domain.Role) string {
	if role.IsAdmin() {
		return PathAdminDashboard
	}
	return PathDashboard
}

// Route applies, first match wins: hydrating, admin area, dashboard area,
// public entries, root. Anything else lands on the identity's home.
func Route(session domain.Session, requested string) Target {
	if session.Hydrating() {
		return render(ScreenLoading)
	}
	identity := session.Identity
	p := normalize(requested)

	switch {
	case p == PathAdminLogin || p == PathLogin || p == PathRegister:
		if identity != nil {
			return redirect(Home(identity.Role))
		}
		return render(publicScreen(p))

	case within(p, "/admin"):
		if identity == nil {
			return redirect(PathAdminLogin)
		}
		if !identity.Role.IsAdmin() {
			return redirect(Home(identity.Role))
		}
		if sub, ok := subPath(p, PathAdminDashboard); ok {
			return render(screenFor(adminScreens, sub))
		}
		return redirect(PathAdminDashboard)

	case within(p, PathDashboard):
		if identity == nil {
			return redirect(PathLogin)
		}
		if identity.Role.IsAdmin() {
			return redirect(PathAdminDashboard)
		}
		sub, _ := subPath(p, PathDashboard)
		return render(screenFor(dashboardScreens, sub))

	default:
		if identity == nil {
			return redirect(PathLogin)
		}
		return redirect(Home(identity.Role))
	}
}

func publicScreen(p string) Screen {
	switch p {
	case PathAdminLogin:
		return ScreenAdminLogin
	case PathRegister:
		return ScreenRegister
	default:
		return ScreenLogin
	}
}

// screenFor falls back to the overview for unknown sub paths.
func screenFor(screens map[string]Screen, sub string) Screen {
	first, _, _ := strings.Cut(sub, "/")
	if screen, ok := screens[first]; ok {
		return screen
	}
	return screens[""]
}

func normalize(requested string) string {
	p, _, _ := strings.Cut(requested, "?")
	p, _, _ = strings.Cut(p, "#")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func within(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func subPath(p, prefix string) (string, bool) {
	if !within(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, prefix), "/"), true
}
