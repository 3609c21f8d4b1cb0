package translator

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

func TestTranslateDefaults(t *testing.T) {
	tr, err := Translate(`file: | path matches "/foo/*" | cache`, refNow)
	require.NoError(t, err)

	assert.Equal(t, "cache", tr.ActionType)
	assert.Empty(t, tr.ActionParams)
	assert.Empty(t, tr.Calls)
	require.Len(t, tr.Statements, 1)
	assert.Equal(t, 0, tr.RetIndex)
	assert.Equal(t,
		`SELECT path FROM files WHERE NOT is_dir AND (path LIKE '/foo/%' ESCAPE '\') ORDER BY path`,
		tr.Statements[0])

	assert.Equal(t, DefaultInterval, tr.Schedule.Every)
	assert.True(t, tr.Schedule.IsForever())
	assert.False(t, tr.Schedule.OneShot)
	assert.Equal(t, refNow.UnixMilli(), tr.Schedule.StartTime)
}

func TestTranslateTriggers(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		check func(t *testing.T, s Schedule)
	}{
		{
			name: "every",
			rule: `file: every 10min | length > 1 | hot`,
			check: func(t *testing.T, s Schedule) {
				assert.Equal(t, 10*time.Minute, s.Every)
				assert.True(t, s.IsForever())
				assert.False(t, s.Expired(refNow.Add(1000*time.Hour).UnixMilli()))
			},
		},
		{
			name: "window relative",
			rule: `file: every 5s from now+1h to now+2h | length > 1 | hot`,
			check: func(t *testing.T, s Schedule) {
				assert.Equal(t, refNow.Add(time.Hour).UnixMilli(), s.StartTime)
				assert.Equal(t, refNow.Add(2*time.Hour).UnixMilli(), s.EndTime)
				assert.False(t, s.Expired(refNow.Add(90*time.Minute).UnixMilli()))
				assert.True(t, s.Expired(refNow.Add(3*time.Hour).UnixMilli()))
			},
		},
		{
			name: "window absolute",
			rule: `file: every 1h to "2026-03-02 00:00:00" | length > 1 | hot`,
			check: func(t *testing.T, s Schedule) {
				want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local).UnixMilli()
				assert.Equal(t, want, s.EndTime)
			},
		},
		{
			name: "one shot",
			rule: `file: at now | length > 1 | hot`,
			check: func(t *testing.T, s Schedule) {
				assert.True(t, s.OneShot)
				assert.Equal(t, refNow.UnixMilli(), s.StartTime)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Translate(tt.rule, refNow)
			require.NoError(t, err)
			tt.check(t, tr.Schedule)
		})
	}
}

func TestTranslateConditions(t *testing.T) {
	tests := []struct {
		cond string
		want string
	}{
		{`length >= 10MB`, "length >= 10485760"},
		{`length < 512`, "length < 512"},
		{`age > 1d`, "($now - modification_time) > 86400000"},
		{`mtime > now - 1h`, "modification_time > ($now - 3600000)"},
		{`atime <= now`, "access_time <= $now"},
		{`mtime > "2026-01-01"`, "modification_time > " + itoa(time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local).UnixMilli())},
		{`storagePolicy == "hot"`, "storage_policy = 'HOT'"},
		{`storagePolicy != "COLD"`, "storage_policy <> 'COLD'"},
		{`path matches "/a_b/*.log"`, `path LIKE '/a\_b/%.log' ESCAPE '\'`},
		{`path matches "/it's$/?"`, `path LIKE '/it''s$$/_' ESCAPE '\'`},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			tr, err := Translate("file: | "+tt.cond+" | cache", refNow)
			require.NoError(t, err)
			assert.Contains(t, tr.Statements[tr.RetIndex], "("+tt.want+")")
		})
	}
}

func TestTranslateAccessCount(t *testing.T) {
	tr, err := Translate(
		`file: every 5s | path matches "/data/*" and accessCount(10min) > 3 and accessCount(1h) < 2 | allssd`,
		refNow)
	require.NoError(t, err)

	require.Len(t, tr.Calls, 2)
	ac0, ok := tr.Call("ac0")
	require.True(t, ok)
	assert.Equal(t, FuncVirtualAccessCount, ac0.Function)
	assert.Equal(t, "vac0_$ruleId", ac0.Table)
	assert.Equal(t, 10*time.Minute, ac0.Interval)
	assert.Equal(t, "> 3", ac0.CountFilter)

	ac1, _ := tr.Call("ac1")
	assert.Equal(t, time.Hour, ac1.Interval)
	assert.Empty(t, ac1.CountFilter, "< cannot be pre-filtered")

	require.Len(t, tr.Statements, 5)
	assert.Equal(t, 4, tr.RetIndex)
	assert.Equal(t, `DROP TABLE IF EXISTS "vac0_$ruleId"`, tr.Statements[0])
	assert.Equal(t, "$@genVirtualAccessCountTable(ac0)", tr.Statements[1])
	assert.Equal(t, "$@genVirtualAccessCountTable(ac1)", tr.Statements[3])
	assert.Contains(t, tr.Statements[4], `COALESCE((SELECT SUM(v.count) FROM "vac1_$ruleId" v WHERE v.fid = files.fid), 0) < 2`)
}

func TestTranslateActionParams(t *testing.T) {
	tr, err := Translate(`file: | length > 0 | compress -compressionImpl Zstd -bufSize 1048576 -note "two words"`, refNow)
	require.NoError(t, err)
	assert.Equal(t, "compress", tr.ActionType)
	assert.Equal(t, map[string]string{
		"-compressionImpl": "Zstd",
		"-bufSize":         "1048576",
		"-note":            "two words",
	}, tr.ActionParams)

	params := tr.Params()
	params["-bufSize"] = "1"
	assert.Equal(t, "1048576", tr.ActionParams["-bufSize"])
}

func TestTranslateErrors(t *testing.T) {
	rules := []string{
		``,
		`dir: | length > 1 | hot`,
		`file | length > 1 | hot`,
		`file: every | length > 1 | hot`,
		`file: every 0s | length > 1 | hot`,
		`file: every 5parsecs | length > 1 | hot`,
		`file: every 5s from now+2h to now+1h | length > 1 | hot`,
		`file: | colour == "red" | hot`,
		`file: | length ~ 1 | hot`,
		`file: | length > 1`,
		`file: | length > 1 |`,
		`file: | accessCount(5m > 1 | hot`,
		`file: | accessCount(5m) > 1KB | hot`,
		`file: | storagePolicy > "HOT" | hot`,
		`file: | path matches "/x | hot`,
		`file: | length > 1 | move -storagePolicy`,
		`file: | length > 1 | hot extra`,
		`file: at "yesterday" | length > 1 | hot`,
	}
	for _, r := range rules {
		t.Run(r, func(t *testing.T) {
			_, err := Translate(r, refNow)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestParseUnits(t *testing.T) {
	d, err := ParseDuration("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = ParseDuration("2day")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	n, err := ParseSize("4kb")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)

	_, err = ParseSize("4xb")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestTranslateWhitespaceInsensitive(t *testing.T) {
	a, err := Translate(`file:every 5s|length>1 and age<2h|hot`, refNow)
	require.NoError(t, err)
	b, err := Translate("file :  every 5s\n| length > 1\n  and age < 2h |\thot", refNow)
	require.NoError(t, err)
	assert.Equal(t, a.Statements, b.Statements)
	assert.True(t, strings.HasSuffix(a.Statements[0], "ORDER BY path"))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
