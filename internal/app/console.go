package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/worker/casesync"
)

// コンソールで受け付ける操作。
const (
	actionSelect  = "select"
	actionClaim   = "claim"
	actionWait    = "wait"
	actionActive  = "active"
	actionClose   = "close"
	actionRead    = "read"
	actionRefresh = "refresh"
	actionHelp    = "help"
	actionQuit    = "quit"
)

const consoleUsage = `コマンド:
  select <caseID>   ケースを選択する（未読は既読になる）
  claim <caseID>    ケースを受け付ける
  wait <caseID>     顧客の返信待ちにする
  active <caseID>   自分の対応ターンに戻す
  close <caseID>    ケースを完了にする
  read <caseID>     既読にする
  refresh           すぐに同期する
  quit              終了する
`

// errConsoleQuit はquitコマンドで入力を終了したことを示す。
var errConsoleQuit = errors.New("console quit")

// consoleCommand は1行分の入力を解析した結果。
type consoleCommand struct {
	action string
	caseID string
}

// parseConsoleCommand は入力行をコマンドに変換する。
func parseConsoleCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, errors.New("コマンドが空です")
	}

	action := strings.ToLower(fields[0])
	switch action {
	case actionRefresh, actionHelp, actionQuit:
		if len(fields) != 1 {
			return consoleCommand{}, fmt.Errorf("%s は引数を取りません", action)
		}
		return consoleCommand{action: action}, nil
	case actionSelect, actionClaim, actionWait, actionActive, actionClose, actionRead:
		if len(fields) != 2 {
			return consoleCommand{}, fmt.Errorf("使い方: %s <caseID>", action)
		}
		return consoleCommand{action: action, caseID: fields[1]}, nil
	default:
		return consoleCommand{}, fmt.Errorf("不明なコマンドです: %s（help で一覧を表示）", fields[0])
	}
}

// console は標準入力のコマンドを担当テナントの同期ループへ振り分ける。
type console struct {
	loops []*casesync.Loop
	out   io.Writer
}

func newConsole(loops []*casesync.Loop, out io.Writer) *console {
	return &console{loops: loops, out: out}
}

// Run は入力が尽きるかquitが入力されるまでコマンドを処理する。
// 入力の終端ではnil、quitではerrConsoleQuitを返す。
func (c *console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := parseConsoleCommand(line)
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		if cmd.action == actionQuit {
			return errConsoleQuit
		}
		if err := c.execute(ctx, cmd); err != nil {
			fmt.Fprintf(c.out, "操作に失敗しました: %v\n", err)
		}
	}
	return scanner.Err()
}

// execute はコマンドを実行する。
func (c *console) execute(ctx context.Context, cmd consoleCommand) error {
	switch cmd.action {
	case actionHelp:
		fmt.Fprint(c.out, consoleUsage)
		return nil
	case actionRefresh:
		var first error
		for _, l := range c.loops {
			if err := l.Tick(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	loop := c.loopFor(cmd.caseID)
	if loop == nil {
		return errors.New("同期対象のテナントがありません")
	}

	switch cmd.action {
	case actionSelect:
		return loop.Select(ctx, cmd.caseID)
	case actionClaim:
		return loop.Claim(ctx, cmd.caseID)
	case actionWait:
		return loop.SetTurn(ctx, cmd.caseID, model.CaseStatusWaiting)
	case actionActive:
		return loop.SetTurn(ctx, cmd.caseID, model.CaseStatusActive)
	case actionClose:
		return loop.Close(ctx, cmd.caseID)
	case actionRead:
		return loop.MarkRead(ctx, cmd.caseID)
	default:
		return fmt.Errorf("unsupported action %q", cmd.action)
	}
}

// loopFor はケースを表示中のループを返す。どのループにも無い場合は先頭のテナントに送る。
func (c *console) loopFor(caseID string) *casesync.Loop {
	if len(c.loops) == 0 {
		return nil
	}
	for _, l := range c.loops {
		if viewContains(l.View(), caseID) {
			return l
		}
	}
	return c.loops[0]
}

func viewContains(v casesync.View, caseID string) bool {
	for _, list := range [][]*model.Case{v.Unassigned, v.Active, v.History} {
		for _, c := range list {
			if c.ID == caseID {
				return true
			}
		}
	}
	return false
}
