package autoconfigure

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentdf/tdf/pkg/kas"
)

const (
	authority = "https://virtru.com"

	kasUK = "https://kas.uk"
	kasUS = "https://kas.us"
	kasCA = "https://kas.ca"
	kasAU = "https://kas.au"
	kasNZ = "https://kas.nz"

	kasDefault = "https://kas.default"
)

func nameFQN(t *testing.T, name string) AttributeNameFQN {
	t.Helper()
	fqn, err := NewAttributeNameFQN(authority, name)
	require.NoError(t, err)
	return fqn
}

func valueFQN(t *testing.T, s string) AttributeValueFQN {
	t.Helper()
	fqn, err := ParseAttributeValueFQN(s)
	require.NoError(t, err)
	return fqn
}

func grants(urls ...string) []kas.KASInfo {
	out := make([]kas.KASInfo, len(urls))
	for i, u := range urls {
		out[i] = kas.KASInfo{URL: u}
	}
	return out
}

// counter returns a split id generator yielding s-1, s-2, ...
func counter() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s-%d", n)
	}
}

// testDirectory mirrors a small attribute service: Classification has no
// grants at all, ReleasableTo grants per country, N2K grants kas.us on every
// value.
func testDirectory(t *testing.T) *StaticDirectory {
	t.Helper()
	d := NewStaticDirectory()
	d.AddAttribute(Attribute{FQN: nameFQN(t, "Classification"), Rule: RuleHierarchy})

	rel := nameFQN(t, "ReleasableTo")
	d.AddAttribute(Attribute{FQN: rel, Rule: RuleAnyOf})
	for country, url := range map[string]string{"GBR": kasUK, "USA": kasUS, "CAN": kasCA, "AUS": kasAU, "NZL": kasNZ} {
		v, err := rel.Select(country)
		require.NoError(t, err)
		d.AddValue(v, grants(url)...)
	}

	d.AddAttribute(Attribute{FQN: nameFQN(t, "N2K"), Rule: RuleAllOf, Grants: grants(kasUS)})
	return d
}

func planFor(t *testing.T, defaults []string, fqns ...string) ([]SplitStep, *Granter) {
	t.Helper()
	g, err := NewGranterFromService(context.Background(), testDirectory(t), nil, fqns...)
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()
	g.SetLogger(logger)

	plan, err := g.Plan(defaults, counter())
	require.NoError(t, err)
	return plan, g
}

func TestParseAttributeValueFQN(t *testing.T) {
	tests := []struct {
		in        string
		wantErr   bool
		authority string
		name      string
		value     string
	}{
		{in: "https://virtru.com/attr/Classification/value/Secret", authority: "https://virtru.com", name: "Classification", value: "Secret"},
		{in: "http://localhost:8080/attr/a%20b/value/c%2Fd", authority: "http://localhost:8080", name: "a b", value: "c/d"},
		{in: "https://virtru.com/attr/Classification", wantErr: true},
		{in: "ftp://virtru.com/attr/a/value/b", wantErr: true},
		{in: "https://virtru.com/path/attr/a/value/b", wantErr: true},
		{in: "https://virtru.com/attr//value/b", wantErr: true},
		{in: "https://virtru.com/attr/a/value/b c", wantErr: true},
		{in: "https://virtru.com/attr/a/value/%zz", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			fqn, err := ParseAttributeValueFQN(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFQN)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in, fqn.String())
			assert.Equal(t, strings.ToLower(tt.in), fqn.Key())
			assert.Equal(t, tt.authority, fqn.Authority())
			assert.Equal(t, tt.name, fqn.Name())
			assert.Equal(t, tt.value, fqn.Value())
		})
	}
}

func TestParseAttributeNameFQN(t *testing.T) {
	fqn, err := ParseAttributeNameFQN("https://virtru.com/attr/Releasable%20To")
	require.NoError(t, err)
	assert.Equal(t, "Releasable To", fqn.Name())
	assert.Equal(t, "https://virtru.com/attr/releasable%20to", fqn.Key())

	_, err = ParseAttributeNameFQN("https://virtru.com/attr/a/value/b")
	assert.ErrorIs(t, err, ErrInvalidFQN)

	v, err := fqn.Select("GBR")
	require.NoError(t, err)
	assert.Equal(t, "https://virtru.com/attr/Releasable%20To/value/GBR", v.String())
	assert.Equal(t, fqn, v.Prefix())
}

func TestValuePrefixPreservesCase(t *testing.T) {
	v := valueFQN(t, "HTTPS://Virtru.COM/ATTR/Classification/VALUE/Secret")
	assert.Equal(t, "HTTPS://Virtru.COM/ATTR/Classification", v.Prefix().String())
	assert.Equal(t, "https://virtru.com/attr/classification", v.Prefix().Key())
}

func TestParseAttributeValueFQNs(t *testing.T) {
	_, err := ParseAttributeValueFQNs("https://virtru.com/attr/a/value/b", "nope")
	assert.ErrorIs(t, err, ErrInvalidFQN)
}

func TestParseRuleType(t *testing.T) {
	for in, want := range map[string]RuleType{
		"allOf":     RuleAllOf,
		"ALL_OF":    RuleAllOf,
		"anyof":     RuleAnyOf,
		"HIERARCHY": RuleHierarchy,
		"":          RuleUnspecified,
	} {
		got, ok := ParseRuleType(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	got, ok := ParseRuleType("mostOf")
	assert.False(t, ok)
	assert.Equal(t, RuleUnspecified, got)
}

func TestDisjunction(t *testing.T) {
	a := NewDisjunction(kasUS, kasUK, kasUS, defaultTerm)
	b := NewDisjunction(kasUK, kasUS)
	assert.True(t, a.Equal(b))
	assert.Equal(t, []string{kasUK, kasUS}, a.Members())
	assert.Equal(t, "("+kasUK+"⋁"+kasUS+")", a.String())
	assert.Equal(t, kasUK, NewDisjunction(kasUK).String())
	assert.Equal(t, 0, NewDisjunction(defaultTerm).Len())
}

func TestPlanDefaultOnlyClassification(t *testing.T) {
	plan, g := planFor(t, []string{kasDefault},
		authority+"/attr/Classification/value/Secret",
		authority+"/attr/ReleasableTo/value/GBR",
	)

	assert.Equal(t, []SplitStep{{KAS: kasUK}}, plan)
	assert.Equal(t, kasUK, g.Expression())
}

func TestPlanCaseInsensitive(t *testing.T) {
	plain, _ := planFor(t, []string{kasDefault},
		authority+"/attr/Classification/value/Secret",
		authority+"/attr/ReleasableTo/value/GBR",
	)
	scrambled, _ := planFor(t, []string{kasDefault},
		"https://VIRTRU.com/attr/cLaSsIfIcAtIoN/value/sEcReT",
		"https://virtru.COM/attr/RELEASABLETO/value/gbr",
	)
	assert.Equal(t, plain, scrambled)
}

func TestPlanAnyOfSingleSplit(t *testing.T) {
	plan, g := planFor(t, nil,
		authority+"/attr/ReleasableTo/value/USA",
		authority+"/attr/ReleasableTo/value/GBR",
	)

	// Members are sorted, all in one split
	assert.Equal(t, []SplitStep{{KAS: kasUK}, {KAS: kasUS}}, plan)
	assert.Equal(t, "("+kasUK+"⋁"+kasUS+")", g.Expression())
}

func TestPlanAllOfSplitsPerServer(t *testing.T) {
	d := testDirectory(t)
	sci := nameFQN(t, "SCI")
	d.AddAttribute(Attribute{FQN: sci, Rule: RuleAllOf})
	hcs, _ := sci.Select("HCS")
	si, _ := sci.Select("SI")
	d.AddValue(hcs, grants(kasUK)...)
	d.AddValue(si, grants(kasCA)...)

	g, err := NewGranterFromService(context.Background(), d, nil, hcs.String(), si.String())
	require.NoError(t, err)

	plan, err := g.Plan(nil, counter())
	require.NoError(t, err)
	assert.Equal(t, []SplitStep{{KAS: kasUK, SplitID: "s-1"}, {KAS: kasCA, SplitID: "s-2"}}, plan)
	assert.Equal(t, kasUK+"&"+kasCA, g.Expression())
}

func TestPlanMergesEqualTerms(t *testing.T) {
	// N2K grants kas.us through its definition, ReleasableTo/USA through
	// the value. Both reduce to the same singleton.
	plan, g := planFor(t, nil,
		authority+"/attr/N2K/value/Ready",
		authority+"/attr/ReleasableTo/value/USA",
	)
	assert.Equal(t, []SplitStep{{KAS: kasUS}}, plan)
	assert.Equal(t, kasUS, g.Expression())
}

func TestPlanMixedRules(t *testing.T) {
	plan, g := planFor(t, []string{kasDefault},
		authority+"/attr/Classification/value/Secret",
		authority+"/attr/ReleasableTo/value/GBR",
		authority+"/attr/ReleasableTo/value/CAN",
		authority+"/attr/N2K/value/Ready",
	)

	assert.Equal(t, []SplitStep{
		{KAS: kasCA, SplitID: "s-1"},
		{KAS: kasUK, SplitID: "s-1"},
		{KAS: kasUS, SplitID: "s-2"},
	}, plan)
	assert.Equal(t, "("+kasCA+"⋁"+kasUK+")&"+kasUS, g.Expression())
}

func TestPlanDefaults(t *testing.T) {
	g, err := NewGranterFromService(context.Background(), testDirectory(t), nil,
		authority+"/attr/Classification/value/Secret")
	require.NoError(t, err)

	_, err = g.Plan(nil, counter())
	assert.ErrorIs(t, err, ErrNoDefaultKAS)

	plan, err := g.Plan([]string{kasDefault}, counter())
	require.NoError(t, err)
	assert.Equal(t, []SplitStep{{KAS: kasDefault}}, plan)

	plan, err = g.Plan([]string{kasUK, kasUS}, counter())
	require.NoError(t, err)
	assert.Equal(t, []SplitStep{{KAS: kasUK, SplitID: "s-1"}, {KAS: kasUS, SplitID: "s-2"}}, plan)

	assert.Equal(t, "", g.Expression())
}

func TestPlanEmptyPolicy(t *testing.T) {
	g, err := NewGranterFromAttributes()
	require.NoError(t, err)

	plan, err := g.Plan([]string{kasDefault}, nil)
	require.NoError(t, err)
	assert.Equal(t, []SplitStep{{KAS: kasDefault}}, plan)
}

func TestPlanRandomSplitIDs(t *testing.T) {
	g, err := NewGranterFromService(context.Background(), testDirectory(t), nil,
		authority+"/attr/Classification/value/Secret")
	require.NoError(t, err)

	plan, err := g.Plan([]string{kasUK, kasUS}, nil)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.NotEmpty(t, plan[0].SplitID)
	assert.NotEqual(t, plan[0].SplitID, plan[1].SplitID)
}

func TestNewGranterFromAttributes(t *testing.T) {
	rel := Attribute{FQN: nameFQN(t, "ReleasableTo"), Rule: RuleAnyOf}
	gbr := valueFQN(t, authority+"/attr/ReleasableTo/value/GBR")
	usa := valueFQN(t, authority+"/attr/ReleasableTo/value/USA")

	g, err := NewGranterFromAttributes(
		AttributeAndValue{Attribute: rel, Value: gbr, Grants: grants(kasUK, kasUK+"/")},
		AttributeAndValue{Attribute: rel, Value: usa, Grants: grants(kasUS)},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{kasUK}, g.Grants(gbr), "grants should be de-duplicated")
	assert.Equal(t, []string{gbr.String(), usa.String()}, g.PolicyStrings())
	assert.Len(t, g.Policy(), 2)

	plan, err := g.Plan(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []SplitStep{{KAS: kasUK}, {KAS: kasUS}}, plan)

	_, err = NewGranterFromAttributes(AttributeAndValue{Attribute: Attribute{FQN: nameFQN(t, "Other")}, Value: gbr})
	assert.ErrorIs(t, err, ErrAttributeMismatch)

	_, err = NewGranterFromAttributes(AttributeAndValue{Attribute: rel})
	assert.ErrorIs(t, err, ErrInvalidFQN)
}

func TestUnknownRuleLogsWarning(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	odd := Attribute{FQN: nameFQN(t, "Odd"), Rule: "mostOf"}
	g, err := NewGranterFromAttributes(
		AttributeAndValue{Attribute: odd, Value: valueFQN(t, authority+"/attr/Odd/value/a"), Grants: grants(kasUK)},
		AttributeAndValue{Attribute: odd, Value: valueFQN(t, authority+"/attr/Odd/value/b"), Grants: grants(kasUS)},
	)
	require.NoError(t, err)
	g.SetLogger(logger)

	plan, err := g.Plan(nil, counter())
	require.NoError(t, err)

	// Unspecified rules split per server like allOf
	assert.Equal(t, []SplitStep{{KAS: kasUK, SplitID: "s-1"}, {KAS: kasUS, SplitID: "s-2"}}, plan)

	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, "mostOf", hook.Entries[0].Data["rule"])
}

func TestUnspecifiedRuleLogsWarning(t *testing.T) {
	for _, rule := range []RuleType{"", RuleUnspecified} {
		t.Run(string(rule), func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()

			attr := Attribute{FQN: nameFQN(t, "Plain"), Rule: rule}
			g, err := NewGranterFromAttributes(
				AttributeAndValue{Attribute: attr, Value: valueFQN(t, authority+"/attr/Plain/value/a"), Grants: grants(kasUK)},
			)
			require.NoError(t, err)
			g.SetLogger(logger)

			_, err = g.Plan(nil, counter())
			require.NoError(t, err)

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.Equal(t, authority+"/attr/Plain", entry.Data["attribute"])
		})
	}
}

func TestNewGranterFromServiceErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewGranterFromService(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrNoAttributeService)

	_, err = NewGranterFromService(ctx, testDirectory(t), nil, "not-a-fqn")
	assert.ErrorIs(t, err, ErrInvalidFQN)

	_, err = NewGranterFromService(ctx, testDirectory(t), nil, authority+"/attr/Unknown/value/x")
	assert.ErrorIs(t, err, ErrAttributeNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewGranterFromService(canceled, testDirectory(t), nil, authority+"/attr/N2K/value/x")
	assert.ErrorIs(t, err, context.Canceled)
}

const directoryYAML = `
attributes:
  - fqn: https://virtru.com/attr/ReleasableTo
    rule: anyOf
    values:
      - value: GBR
        grants:
          - url: https://kas.uk
            algorithm: rsa:2048
            kid: uk-1
            public_key: uk-pem
      - value: USA
        grants:
          - url: https://kas.us
  - fqn: https://virtru.com/attr/Classification
    rule: HIERARCHY
`

func TestLoadDirectory(t *testing.T) {
	d, err := LoadDirectory(strings.NewReader(directoryYAML))
	require.NoError(t, err)

	cache := kas.NewKeyCache()
	g, err := NewGranterFromService(context.Background(), d, cache,
		authority+"/attr/classification/value/topsecret",
		authority+"/attr/releasableto/value/gbr",
		authority+"/attr/releasableto/value/usa",
	)
	require.NoError(t, err)

	plan, err := g.Plan([]string{kasDefault}, nil)
	require.NoError(t, err)
	assert.Equal(t, []SplitStep{{KAS: kasUK}, {KAS: kasUS}}, plan)

	// Public keys carried by grants seed the cache
	info, ok := cache.Get(kasUK, kas.AlgorithmRSA2048, "uk-1")
	require.True(t, ok)
	assert.Equal(t, "uk-pem", info.PublicKey)
	_, ok = cache.Get(kasUS, "", "")
	assert.False(t, ok)
}

func TestLoadDirectoryErrors(t *testing.T) {
	_, err := LoadDirectory(strings.NewReader("attributes:\n  - fqn: nope\n"))
	assert.ErrorIs(t, err, ErrInvalidFQN)

	_, err = LoadDirectory(strings.NewReader("attributes:\n  - fqn: https://a.b/attr/c\n    colour: red\n"))
	assert.Error(t, err)

	d, err := LoadDirectory(strings.NewReader(""))
	require.NoError(t, err)
	_, err = d.Resolve(context.Background(), []AttributeValueFQN{valueFQN(t, "https://a.b/attr/c/value/d")})
	assert.ErrorIs(t, err, ErrAttributeNotFound)
}
