package checker

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/shopware"
)

// Builtins returns the standard checker set. minPatched is the lowest
// Shopware version that ships all known security fixes.
func Builtins(minPatched string) []Checker {
	return []Checker{
		{Name: "task", Run: checkTasks},
		{Name: "environment", Run: checkEnvironment},
		{Name: "security", Run: securityChecker(minPatched)},
		{Name: "worker", Run: checkWorker},
		{Name: "frosh-tools", Run: checkFroshTools},
	}
}

const taskOverdueMinInterval = 3600

func checkTasks(_ context.Context, in *Input, out *Result) error {
	flagged := false
	for _, t := range in.ScheduledTasks {
		if !t.Overdue || t.Interval <= taskOverdueMinInterval {
			continue
		}
		flagged = true
		out.Warning("task."+t.Name,
			fmt.Sprintf("Scheduled task %s is overdue", t.Name),
			"task")
	}
	if !flagged {
		out.Success("task", "All scheduled tasks are running", "task")
	}
	return nil
}

var productionEnvironments = []string{"production", "staging", "prod", "stage"}

func checkEnvironment(_ context.Context, in *Input, out *Result) error {
	if in.Cache == nil {
		return nil
	}
	if slices.Contains(productionEnvironments, in.Cache.Environment) {
		out.Success("environment", "Shop is running in "+in.Cache.Environment+" mode", "environment")
		return nil
	}
	out.Warning("environment",
		fmt.Sprintf("Shop is running in %q mode, expected production", in.Cache.Environment),
		"environment")
	return nil
}

const securityPluginName = "SwagPlatformSecurity"

func securityChecker(minPatched string) func(context.Context, *Input, *Result) error {
	return func(_ context.Context, in *Input, out *Result) error {
		if in.Config == nil {
			return nil
		}
		if minPatched == "" || shopware.CompareVersions(in.Config.Version, minPatched) >= 0 {
			out.Success("security", "Shopware version has no known security issues", "security")
			return nil
		}

		ext := extension.Find(in.Extensions, securityPluginName)
		if ext == nil || !ext.Active || !ext.Installed {
			out.Error("security.outdated",
				fmt.Sprintf("Shopware %s has known security issues. Update Shopware or install the Security plugin", in.Config.Version),
				"security",
				"https://store.shopware.com/en/swag136939272659f/shopware-6-security-plugin.html")
			return nil
		}
		if ext.LatestVersion != nil && *ext.LatestVersion != ext.Version {
			out.Warning("security.plugin-update",
				fmt.Sprintf("Security plugin %s is outdated, latest is %s", ext.Version, *ext.LatestVersion),
				"security")
			return nil
		}
		out.Success("security", "Security plugin is installed and up to date", "security")
		return nil
	}
}

func checkWorker(_ context.Context, in *Input, out *Result) error {
	if in.Config == nil {
		return nil
	}
	if in.Config.AdminWorker.EnableAdminWorker {
		out.Warning("worker.admin",
			"The admin worker is enabled. Use a CLI worker for production shops",
			"worker",
			"https://developer.shopware.com/docs/guides/plugins/plugins/framework/message-queue/add-message-handler.html")
		return nil
	}
	out.Success("worker", "Admin worker is disabled", "worker")
	return nil
}

const froshToolsName = "FroshTools"

type froshCheck struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Snippet     string `json:"snippet"`
	Current     string `json:"current"`
	Recommended string `json:"recommended"`
	URL         string `json:"url"`
}

// Checks already covered by other checkers or irrelevant for hosted shops.
var froshIgnored = map[string]bool{
	"security-update": true,
	"scheduled-task":  true,
	"queue":           true,
	"admin-watcher":   true,
	"production-mode": true,
	"system-info":     true,
}

var froshMessages = map[string]string{
	"mysql-version":      "MySQL version",
	"php-version":        "PHP version",
	"increment-storage":  "Increment storage",
	"max-execution-time": "PHP max_execution_time",
	"memory-limit":       "PHP memory_limit",
	"opcache":            "OPcache",
	"zend-assertions":    "zend.assertions",
}

func checkFroshTools(ctx context.Context, in *Input, out *Result) error {
	ext := extension.Find(in.Extensions, froshToolsName)
	if ext == nil || !ext.Installed || !ext.Active || in.Client == nil {
		return nil
	}

	var checks []froshCheck
	for _, path := range []string{
		"/api/_action/frosh-tools/health/status",
		"/api/_action/frosh-tools/performance/status",
	} {
		var batch []froshCheck
		if err := in.Client.Get(ctx, path, &batch); err != nil {
			out.Error("frosh-tools", "Could not connect to FroshTools health endpoints", "frosh-tools")
			return nil
		}
		checks = append(checks, batch...)
	}

	for _, c := range checks {
		if froshIgnored[c.ID] {
			continue
		}
		id := "frosh-tools." + c.ID
		msg := froshMessage(c)
		switch strings.TrimPrefix(strings.ToUpper(c.State), "STATE_") {
		case "ERROR":
			out.Error(id, msg, "frosh-tools", c.URL)
		case "WARNING":
			out.Warning(id, msg, "frosh-tools", c.URL)
		default:
			out.Success(id, msg, "frosh-tools", c.URL)
		}
	}
	return nil
}

func froshMessage(c froshCheck) string {
	label, ok := froshMessages[c.ID]
	if !ok {
		label = c.Snippet
	}
	if label == "" {
		label = c.ID
	}
	switch {
	case c.Current != "" && c.Recommended != "":
		return fmt.Sprintf("%s: %s (recommended %s)", label, c.Current, c.Recommended)
	case c.Current != "":
		return fmt.Sprintf("%s: %s", label, c.Current)
	}
	return label
}
