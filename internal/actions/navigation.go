package actions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/tally/internal/action"
)

// Navigator moves the presentation layer to a screen route.
type Navigator interface {
	Navigate(ctx context.Context, route string) error
}

// LogNavigator only logs. Presentation layers read the route from the
// action result data instead.
type LogNavigator struct{}

func (LogNavigator) Navigate(_ context.Context, route string) error {
	log.Info().Str("route", route).Msg("navigate")
	return nil
}

var routeLabels = map[string]string{
	"/home":           "首页",
	"/budget":         "预算",
	"/statistics":     "统计",
	"/settings":       "设置",
	"/settings/trash": "回收站",
	"/reminders":      "账单提醒",
	"/ai":             "智能助手设置",
}

type openScreen struct {
	nav Navigator
}

func (a *openScreen) Spec() action.Spec {
	return action.Spec{
		ID:          "navigation.open",
		Name:        "打开页面",
		Description: "跳转到应用内的某个页面",
		Triggers:    []string{"打开", "进入"},
		Required: []action.Param{
			{Name: "route", Type: action.TypeString, Pattern: `^/[a-z/]*$`, Label: "页面"},
		},
	}
}

func (a *openScreen) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	route, _ := req.Params["route"].(string)
	if err := a.nav.Navigate(ctx, route); err != nil {
		return action.Result{}, fmt.Errorf("navigate to %s: %w", route, err)
	}
	label, ok := routeLabels[route]
	if !ok {
		label = route
	}
	return action.Succeeded("已为你打开"+label, map[string]any{"route": route}), nil
}
