package shopware

import "time"

// InfoConfig is the response of GET /api/_info/config.
type InfoConfig struct {
	Version         string      `json:"version"`
	VersionRevision string      `json:"versionRevision"`
	AdminWorker     AdminWorker `json:"adminWorker"`
}

// AdminWorker describes whether message handling runs in the browser.
type AdminWorker struct {
	EnableAdminWorker bool     `json:"enableAdminWorker"`
	Transports        []string `json:"transports"`
}

// Plugin is one row of POST /api/search/plugin.
type Plugin struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Label          string  `json:"label"`
	Active         bool    `json:"active"`
	Version        string  `json:"version"`
	UpgradeVersion *string `json:"upgradeVersion"`
	InstalledAt    *string `json:"installedAt"`
	ComposerName   string  `json:"composerName"`
}

// App is one row of POST /api/search/app. Apps only exist while installed.
type App struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Label   string `json:"label"`
	Active  bool   `json:"active"`
	Version string `json:"version"`
}

// scheduledTaskRow is one row of POST /api/search/scheduled-task.
type scheduledTaskRow struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ScheduledTaskClass string `json:"scheduledTaskClass"`
	Status             string `json:"status"`
	RunInterval        int    `json:"runInterval"`
	LastExecutionTime  string `json:"lastExecutionTime"`
	NextExecutionTime  string `json:"nextExecutionTime"`
}

// ScheduledTask is a scheduled task with its timestamps parsed and its
// overdue flag derived at fetch time.
type ScheduledTask struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Status            string     `json:"status"`
	Interval          int        `json:"interval"`
	Overdue           bool       `json:"overdue"`
	LastExecutionTime *time.Time `json:"lastExecutionTime"`
	NextExecutionTime *time.Time `json:"nextExecutionTime"`
}

// QueueEntry is the depth of one message queue.
type QueueEntry struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// CacheInfo is the response of GET /api/_action/cache_info.
type CacheInfo struct {
	Environment  string `json:"environment"`
	HTTPCache    bool   `json:"httpCache"`
	CacheAdapter string `json:"cacheAdapter"`
}

// searchResult wraps the data array every /api/search endpoint returns.
type searchResult[T any] struct {
	Total int `json:"total"`
	Data  []T `json:"data"`
}
