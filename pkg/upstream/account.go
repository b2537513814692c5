package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	balancePath     = "/rest/api/asset/summary"
	taskListPath    = "/rest/api/task/list2"
	taskExecutePath = "/rest/api/task/execute"

	appUserAgent   = "wanyu/5.0.1/7050001 (Android 28)"
	maxAccountBody = 1 << 20

	// AssetSuanli is the asset type that pays for chat calls.
	AssetSuanli = "suanli"
)

type Asset struct {
	Type          string
	Name          string
	Amount        float64
	DisplayAmount string
}

type Balance struct {
	Nickname string
	Assets   map[string]Asset
}

// Suanli returns the spendable balance, zero when the asset is absent.
func (b Balance) Suanli() float64 {
	return b.Assets[AssetSuanli].Amount
}

type Task struct {
	ID   string
	Type string
	Name string
}

// Kind classifies a task as "browse", "checkin" or "".
func (t Task) Kind() string {
	typ := strings.ToLower(t.Type)
	name := strings.ToLower(t.Name)
	switch {
	case typ == "browse" || strings.Contains(name, "browse"):
		return "browse"
	case typ == "checkin" || strings.Contains(name, "checkin") || strings.Contains(t.Name, "签到"):
		return "checkin"
	default:
		return ""
	}
}

type TaskResult struct {
	TaskID  string
	Rewards float64
}

func (c *Client) Balance(ctx context.Context, cred Credentials) (Balance, error) {
	data, err := c.accountCall(ctx, cred, http.MethodGet, balancePath, nil)
	if err != nil {
		return Balance{}, err
	}
	out := Balance{
		Nickname: data.Get("userInfo.nickname").String(),
		Assets:   map[string]Asset{},
	}
	data.Get("assets").ForEach(func(_, v gjson.Result) bool {
		a := Asset{
			Type:          v.Get("type").String(),
			Name:          v.Get("name").String(),
			Amount:        v.Get("amount").Float(),
			DisplayAmount: v.Get("displayAmount").String(),
		}
		if a.DisplayAmount == "" {
			a.DisplayAmount = v.Get("amount").String()
		}
		out.Assets[a.Type] = a
		return true
	})
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context, cred Credentials) ([]Task, error) {
	data, err := c.accountCall(ctx, cred, http.MethodGet, taskListPath+"?isOldVersion=false", nil)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	data.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if id == "" {
			id = v.Get("taskId").String()
		}
		tasks = append(tasks, Task{ID: id, Type: v.Get("type").String(), Name: v.Get("name").String()})
		return true
	})
	return tasks, nil
}

func (c *Client) ExecuteTask(ctx context.Context, cred Credentials, taskID string) (TaskResult, error) {
	form := url.Values{"taskId": {taskID}}
	data, err := c.accountCall(ctx, cred, http.MethodPost, taskExecutePath, strings.NewReader(form.Encode()))
	if err != nil {
		return TaskResult{}, err
	}
	if !data.Get("success").Bool() {
		return TaskResult{}, &APIError{Message: "task " + taskID + " not accepted"}
	}
	return TaskResult{TaskID: taskID, Rewards: data.Get("rewards.0.rewardCount").Float()}, nil
}

// accountCall performs one app-flavoured REST call and returns the "data" member.
func (c *Client) accountCall(ctx context.Context, cred Credentials, method, path string, body io.Reader) (gjson.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build account request: %w", err)
	}
	h := req.Header
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", "zh")
	h.Set("User-Agent", appUserAgent)
	h.Set("X-Yuanshi-Appname", "wanyu")
	h.Set("X-Yuanshi-Appversioncode", "7050001")
	h.Set("X-Yuanshi-Appversionname", "5.0.1")
	h.Set("X-Yuanshi-Authorization", "Bearer "+cred.AccessToken)
	h.Set("X-Yuanshi-Platform", "android")
	h.Set("X-Yuanshi-Timezone", "Asia/Shanghai")
	h["x-date"] = []string{c.now().UTC().Format(http.TimeFormat)}
	if cred.DeviceID != "" {
		h.Set("X-Yuanshi-Deviceid", cred.DeviceID)
	}
	if body != nil {
		h.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAccountBody))
	if err != nil {
		return gjson.Result{}, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(b), maxErrorBody)}
	}
	if !gjson.ValidBytes(b) {
		return gjson.Result{}, fmt.Errorf("decode %s: invalid json", path)
	}
	doc := gjson.ParseBytes(b)
	if code := doc.Get("code"); !code.Exists() || code.Int() != 0 {
		return gjson.Result{}, &APIError{Code: code.Int(), Message: doc.Get("msg").String()}
	}
	return doc.Get("data"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
