package geo

import (
	"strings"
	"unicode/utf8"
)

var englishNames = map[string]string{
	"CN": "China", "HK": "Hong Kong", "TW": "Taiwan", "MO": "Macau",
	"JP": "Japan", "KR": "South Korea", "SG": "Singapore", "IN": "India",
	"TH": "Thailand", "MY": "Malaysia", "ID": "Indonesia", "PH": "Philippines",
	"VN": "Vietnam", "GB": "United Kingdom", "DE": "Germany", "FR": "France",
	"IT": "Italy", "ES": "Spain", "CH": "Switzerland", "NL": "Netherlands",
	"SE": "Sweden", "NO": "Norway", "DK": "Denmark", "FI": "Finland",
	"PL": "Poland", "PT": "Portugal", "GR": "Greece", "RU": "Russia",
	"US": "United States", "CA": "Canada", "MX": "Mexico", "BR": "Brazil",
	"AR": "Argentina", "CL": "Chile", "AU": "Australia", "NZ": "New Zealand",
	"ZA": "South Africa", "EG": "Egypt", "TR": "Turkey", "AE": "United Arab Emirates",
	"SA": "Saudi Arabia", "IL": "Israel",
}

// Greater China regions keep separate codes and never match each other.
var aliases = map[string][]string{
	"CN": {"CHINA", "MAINLAND", "ZHONGGUO", "中国", "中国大陆", "中国内地", "中华人民共和国", "大陆"},
	"US": {"USA", "AMERICA", "UNITED STATES", "美国"},
	"GB": {"UK", "UNITED KINGDOM", "ENGLAND", "GREAT BRITAIN", "英国"},
	"HK": {"HONG KONG", "HONGKONG", "香港", "香港特别行政区"},
	"TW": {"TAIWAN", "台湾", "中国台湾"},
	"MO": {"MACAO", "MACAU", "澳门", "澳门特别行政区"},
	"JP": {"JAPAN", "日本"},
	"KR": {"SOUTH KOREA", "KOREA", "韩国"},
	"SG": {"SINGAPORE", "新加坡"},
	"IN": {"INDIA", "印度"},
	"RU": {"RUSSIA", "俄罗斯"},
	"DE": {"GERMANY", "德国"},
	"FR": {"FRANCE", "法国"},
	"CA": {"CANADA", "加拿大"},
	"AU": {"AUSTRALIA", "澳大利亚"},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]string {
	index := make(map[string]string, len(englishNames)+len(aliases)*4)
	for code, name := range englishNames {
		index[strings.ToUpper(name)] = code
	}
	for code, names := range aliases {
		for _, name := range names {
			index[name] = code
		}
	}
	return index
}

// Normalize maps a country code or name to its ISO code. Unknown input comes
// back upper-cased so it can still be compared verbatim.
func Normalize(value string) string {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	if utf8.RuneCountInString(value) == 2 {
		if _, ok := englishNames[value]; ok {
			return value
		}
	}
	if code, ok := aliasIndex[value]; ok {
		return code
	}
	return value
}

func Match(detected, target string) bool {
	detected, target = Normalize(detected), Normalize(target)
	return detected != "" && detected == target
}

func Name(code string) string {
	return englishNames[Normalize(code)]
}

// MatchValues lists the upper-case spellings stored data may use for the
// country, the ISO code first.
func MatchValues(country string) []string {
	code := Normalize(country)
	if code == "" {
		return nil
	}

	values := []string{code}
	if name, ok := englishNames[code]; ok {
		values = append(values, strings.ToUpper(name))
	}
	values = append(values, aliases[code]...)
	return dedupe(values)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
