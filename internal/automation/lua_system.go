//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig bounds what macro scripts may do on the host: only the
// listed binaries can be executed, and never for longer than the timeout.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths of runnable binaries
	ExecTimeout   time.Duration // per-command wall clock limit
}

// TelegramConfig holds the bot credentials for telegram.send.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

// A runaway command piping a video dump into a macro would otherwise pin
// the Lua state's memory; exec output is capped instead.
const maxExecOutput = 65536

const telegramAPITimeout = 10 * time.Second

// registerSystemModule installs the `system` table: clock helpers, script
// logging, and guarded host command execution.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(luaDatetime))
	mod.RawSetString("time_between", L.NewFunction(luaTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return luaScriptLog(L, e)
	}))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return luaHostExec(L, e)
	}))
	L.SetGlobal("system", mod)
}

// registerTelegramModule installs the `telegram` table.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return luaTelegramSend(L, e)
	}))
	L.SetGlobal("telegram", mod)
}

// system.datetime(component) returns one piece of the current wall clock,
// so a macro can gate device actions on time of day.
func luaDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// falls in [from, to). A from greater than to wraps past midnight, so
// time_between(22, 6) covers the night.
func luaTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := time.Now().Hour()

	var inside bool
	if from <= to {
		inside = hour >= from && hour < to
	} else {
		inside = hour >= from || hour < to
	}

	L.Push(lua.LBool(inside))
	return 1
}

// system.log(level, msg) writes into the daemon log under the macro's name.
func luaScriptLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("macro log", "msg", msg)
	case "warn":
		e.logger.Warn("macro log", "msg", msg)
	case "error":
		e.logger.Error("macro log", "msg", msg)
	default:
		e.logger.Info("macro log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted host binary and returns its stdout.
// Blocked or failed commands yield an empty string rather than an error so
// a macro keeps running; the refusal is logged instead.
func luaHostExec(L *lua.LState, e *Engine) int {
	cmdStr := L.CheckString(1)

	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if reason := e.execAllowed(binary); reason != "" {
		e.logger.Warn("macro exec refused", "cmd", binary, "reason", reason)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("macro exec timed out", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("macro exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	L.Push(lua.LString(string(stdout)))
	return 1
}

// execAllowed returns an empty string when the binary may run, otherwise
// the reason it may not.
func (e *Engine) execAllowed(binary string) string {
	if !filepath.IsAbs(binary) {
		return "not an absolute path"
	}
	for _, allowed := range e.systemCfg.ExecAllowlist {
		if allowed == binary {
			return ""
		}
	}
	return "not in allowlist"
}

// telegram.send(msg) pushes a notification to every configured chat.
// Delivery is asynchronous; a macro never waits on the Telegram API.
func luaTelegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	if e.telegramCfg.BotToken == "" {
		e.logger.Warn("telegram.send: bot token not configured")
		return 0
	}
	if len(e.telegramCfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: no chat ids configured")
		return 0
	}

	for _, chatID := range e.telegramCfg.ChatIDs {
		go e.deliverTelegram(chatID, msg)
	}
	return 0
}

func (e *Engine) deliverTelegram(chatID, msg string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", e.telegramCfg.BotToken)
	body := fmt.Sprintf(`{"chat_id":%q,"text":%q}`, chatID, msg)

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		e.logger.Error("telegram request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: telegramAPITimeout}
	resp, err := client.Do(req)
	if err != nil {
		e.logger.Error("telegram deliver", "err", err, "chat_id", chatID)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("telegram deliver rejected", "status", resp.StatusCode, "chat_id", chatID)
	}
}
