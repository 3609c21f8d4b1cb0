// ============================================================================
// smart-tier 規則翻譯器
// ============================================================================
//
// Package: internal/rule/translator
// 文件: translator.go
// 功能: 將規則文字編譯為 TranslateResult（查詢模板 + 動作 + 排程）
//
// 語法:
//   rule      := 'file' ':' [trigger] '|' condition '|' action
//   trigger   := 'every' DURATION ['from' TIME] ['to' TIME] | 'at' TIME
//   condition := term { 'and' term }
//   action    := IDENT { FLAG VALUE }
//
// 例:
//   file: every 10s | path matches "/data/*" and accessCount(1h) > 3 | allssd
//
// 產生的 SQL 中，執行期才知道的值以佔位符表示:
//   $ruleId, $now                     由 ExecutionContext 提供
//   $@genVirtualAccessCountTable(ac0) 由函數表產生
//
// ============================================================================

// Package translator compiles rule text into query templates.
package translator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/viant/parsly"
)

// ErrSyntax 規則文字無法解析
var ErrSyntax = errors.New("rule: syntax error")

// FuncVirtualAccessCount is the function that materializes access counts
// over a look-back window.
const FuncVirtualAccessCount = "genVirtualAccessCountTable"

// Translate compiles text. Relative times in the trigger ("now+1h") are
// resolved against now; relative times in conditions stay relative and are
// evaluated on every check.
func Translate(text string, now time.Time) (*TranslateResult, error) {
	p := &parser{
		cur: parsly.NewCursor("rule", []byte(strings.TrimSpace(text)), 0),
		now: now,
		res: &TranslateResult{
			ActionParams: map[string]string{},
			Calls:        map[string]Call{},
		},
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.res, nil
}

type parser struct {
	cur   *parsly.Cursor
	now   time.Time
	res   *TranslateResult
	conds []string
	pre   []string // 在主查詢之前執行的語句
}

func (p *parser) parse() error {
	if err := p.expectKeyword("file"); err != nil {
		return err
	}
	if _, err := p.expect(colonToken); err != nil {
		return err
	}
	if err := p.parseTrigger(); err != nil {
		return err
	}
	if _, err := p.expect(pipeToken); err != nil {
		return err
	}
	if err := p.parseCondition(); err != nil {
		return err
	}
	if _, err := p.expect(pipeToken); err != nil {
		return err
	}
	if err := p.parseAction(); err != nil {
		return err
	}
	p.accept(whitespaceToken)
	if p.cur.HasMore() {
		return p.errorf("unexpected trailing input")
	}

	query := "SELECT path FROM files WHERE NOT is_dir"
	for _, c := range p.conds {
		query += " AND (" + c + ")"
	}
	query += " ORDER BY path"
	p.res.Statements = append(p.pre, query)
	p.res.RetIndex = len(p.res.Statements) - 1
	return nil
}

// ============================================================================
// trigger
// ============================================================================

func (p *parser) parseTrigger() error {
	now := p.now.UnixMilli()
	p.res.Schedule = Schedule{StartTime: now, EndTime: Forever, Every: DefaultInterval}

	switch {
	case p.keyword("every"):
		d, err := p.duration()
		if err != nil {
			return err
		}
		if d <= 0 {
			return p.errorf("interval must be positive")
		}
		p.res.Schedule.Every = d
		if p.keyword("from") {
			t, err := p.absoluteTime()
			if err != nil {
				return err
			}
			p.res.Schedule.StartTime = t
		}
		if p.keyword("to") {
			t, err := p.absoluteTime()
			if err != nil {
				return err
			}
			p.res.Schedule.EndTime = t
		}
		if !p.res.Schedule.IsForever() && p.res.Schedule.EndTime < p.res.Schedule.StartTime {
			return p.errorf("end time before start time")
		}
	case p.keyword("at"):
		t, err := p.absoluteTime()
		if err != nil {
			return err
		}
		p.res.Schedule = Schedule{StartTime: t, EndTime: Forever, OneShot: true}
	}
	return nil
}

// timeExpr 是 'now' [±DURATION] 或絕對時間
type timeExpr struct {
	relative bool
	offset   int64 // 相對 now 的毫秒數
	abs      int64
}

func (p *parser) timeExpr() (timeExpr, error) {
	if p.keyword("now") {
		var sign int64
		switch {
		case p.acceptOK(plusToken):
			sign = 1
		case p.acceptOK(minusToken):
			sign = -1
		default:
			return timeExpr{relative: true}, nil
		}
		d, err := p.duration()
		if err != nil {
			return timeExpr{}, err
		}
		return timeExpr{relative: true, offset: sign * d.Milliseconds()}, nil
	}
	s, err := p.str()
	if err != nil {
		return timeExpr{}, err
	}
	t, err := parseTime(s)
	if err != nil {
		return timeExpr{}, err
	}
	return timeExpr{abs: t.UnixMilli()}, nil
}

func (p *parser) absoluteTime() (int64, error) {
	te, err := p.timeExpr()
	if err != nil {
		return 0, err
	}
	if te.relative {
		return p.now.UnixMilli() + te.offset, nil
	}
	return te.abs, nil
}

// sql renders the expression; relative times read $now at check time.
func (te timeExpr) sql() string {
	switch {
	case !te.relative:
		return strconv.FormatInt(te.abs, 10)
	case te.offset == 0:
		return "$now"
	case te.offset > 0:
		return "($now + " + strconv.FormatInt(te.offset, 10) + ")"
	default:
		return "($now - " + strconv.FormatInt(-te.offset, 10) + ")"
	}
}

// ============================================================================
// condition
// ============================================================================

func (p *parser) parseCondition() error {
	for {
		if err := p.parseTerm(); err != nil {
			return err
		}
		if !p.keyword("and") {
			return nil
		}
	}
}

func (p *parser) parseTerm() error {
	name, err := p.expect(identifierToken)
	if err != nil {
		return err
	}
	switch name {
	case "path":
		if err := p.expectKeyword("matches"); err != nil {
			return err
		}
		pattern, err := p.str()
		if err != nil {
			return err
		}
		p.conds = append(p.conds, `path LIKE `+sqlString(globToLike(pattern))+` ESCAPE '\'`)

	case "length":
		op, err := p.compare()
		if err != nil {
			return err
		}
		q, err := p.expect(quantityToken)
		if err != nil {
			return err
		}
		n, err := ParseSize(q)
		if err != nil {
			return err
		}
		p.conds = append(p.conds, "length "+op+" "+strconv.FormatInt(n, 10))

	case "age":
		op, err := p.compare()
		if err != nil {
			return err
		}
		d, err := p.duration()
		if err != nil {
			return err
		}
		p.conds = append(p.conds, "($now - modification_time) "+op+" "+strconv.FormatInt(d.Milliseconds(), 10))

	case "mtime", "atime":
		op, err := p.compare()
		if err != nil {
			return err
		}
		te, err := p.timeExpr()
		if err != nil {
			return err
		}
		column := "modification_time"
		if name == "atime" {
			column = "access_time"
		}
		p.conds = append(p.conds, column+" "+op+" "+te.sql())

	case "accessCount":
		return p.parseAccessCount()

	case "storagePolicy":
		op, err := p.compare()
		if err != nil {
			return err
		}
		if op != "=" && op != "<>" {
			return p.errorf("storagePolicy supports only == and !=")
		}
		policy, err := p.str()
		if err != nil {
			return err
		}
		p.conds = append(p.conds, "storage_policy "+op+" "+sqlString(strings.ToUpper(policy)))

	default:
		return p.errorf("unknown property %q", name)
	}
	return nil
}

// parseAccessCount 編譯 accessCount(DURATION) CMP NUMBER
//
// 產生兩個前置語句：清除殘留的表，以及由函數表展開的建表語句。
// 條件對沒有存取記錄的檔案視為 0 次。
func (p *parser) parseAccessCount() error {
	if _, err := p.expect(openParenToken); err != nil {
		return err
	}
	interval, err := p.duration()
	if err != nil {
		return err
	}
	if interval <= 0 {
		return p.errorf("accessCount interval must be positive")
	}
	if _, err := p.expect(closeParenToken); err != nil {
		return err
	}
	op, err := p.compare()
	if err != nil {
		return err
	}
	q, err := p.expect(quantityToken)
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		return p.errorf("accessCount needs a plain number, got %q", q)
	}

	idx := len(p.res.Calls)
	group := "ac" + strconv.Itoa(idx)
	table := "vac" + strconv.Itoa(idx) + "_$ruleId"
	call := Call{Function: FuncVirtualAccessCount, Table: table, Interval: interval}
	// 只有 > / >= 可以在聚合時先過濾，其它比較需要保留 0 次的檔案
	if (op == ">" || op == ">=") && n > 0 {
		call.CountFilter = op + " " + strconv.FormatInt(n, 10)
	}
	p.res.Calls[group] = call

	p.pre = append(p.pre,
		`DROP TABLE IF EXISTS "`+table+`"`,
		"$@"+FuncVirtualAccessCount+"("+group+")",
	)
	p.conds = append(p.conds, `COALESCE((SELECT SUM(v.count) FROM "`+table+`" v WHERE v.fid = files.fid), 0) `+
		op+" "+strconv.FormatInt(n, 10))
	return nil
}

// ============================================================================
// action
// ============================================================================

func (p *parser) parseAction() error {
	name, err := p.expect(identifierToken)
	if err != nil {
		return err
	}
	p.res.ActionType = name
	for {
		flag, ok := p.accept(flagToken)
		if !ok {
			return nil
		}
		var value string
		if s, ok := p.accept(stringToken); ok {
			value, err = unquote(s)
			if err != nil {
				return err
			}
		} else if value, ok = p.accept(valueToken); !ok {
			return p.errorf("missing value for %s", flag)
		}
		p.res.ActionParams[flag] = value
	}
}

// ============================================================================
// token helpers
// ============================================================================

// accept 跳過空白後嘗試匹配 tok；失敗時游標不動
func (p *parser) accept(tok *parsly.Token) (string, bool) {
	pos := p.cur.Pos
	matched := p.cur.MatchAfterOptional(whitespaceToken, tok)
	if matched.Code != tok.Code {
		p.cur.Pos = pos
		return "", false
	}
	return matched.Text(p.cur), true
}

func (p *parser) acceptOK(tok *parsly.Token) bool {
	_, ok := p.accept(tok)
	return ok
}

func (p *parser) expect(tok *parsly.Token) (string, error) {
	if text, ok := p.accept(tok); ok {
		return text, nil
	}
	p.accept(whitespaceToken)
	return "", fmt.Errorf("%w: %v", ErrSyntax, p.cur.NewError(tok))
}

func (p *parser) keyword(kw string) bool {
	pos := p.cur.Pos
	if text, ok := p.accept(identifierToken); ok && strings.EqualFold(text, kw) {
		return true
	}
	p.cur.Pos = pos
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if p.keyword(kw) {
		return nil
	}
	return p.errorf("expected %q", kw)
}

func (p *parser) duration() (time.Duration, error) {
	q, err := p.expect(quantityToken)
	if err != nil {
		return 0, err
	}
	return ParseDuration(q)
}

func (p *parser) str() (string, error) {
	s, err := p.expect(stringToken)
	if err != nil {
		return "", err
	}
	return unquote(s)
}

// compare 返回 SQL 比較運算子
func (p *parser) compare() (string, error) {
	op, err := p.expect(compareToken)
	if err != nil {
		return "", err
	}
	switch op {
	case "==", "=":
		return "=", nil
	case "!=":
		return "<>", nil
	}
	return op, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.cur.Pos, fmt.Sprintf(format, args...))
}

func unquote(s string) (string, error) {
	v, err := strconv.Unquote(s)
	if err != nil {
		return "", fmt.Errorf("%w: bad string %s", ErrSyntax, s)
	}
	return v, nil
}

// sqlString quotes s as a SQL literal; "$" is doubled so template expansion
// leaves it alone.
func sqlString(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	s = strings.ReplaceAll(s, "$", "$$")
	return "'" + s + "'"
}

// globToLike converts * and ? wildcards into a LIKE pattern escaped with '\'.
func globToLike(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
