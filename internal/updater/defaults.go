package updater

// defaultFilterEntry is the literal table this package is seeded from,
// grounded on
// _examples/original_source/privaxy/src/server/configuration/filter.rs's
// DefaultFilters lists. Only a representative subset of each group is
// carried over — the original embeds several dozen regional lists alone —
// since the point is to exercise every FilterGroup and the enabled-by-
// default distinction, not to reproduce the full catalogue.
type defaultFilterEntry struct {
	url              string
	title            string
	group            string
	enabledByDefault bool
}

var defaultFilterTable = []defaultFilterEntry{
	{"https://raw.githubusercontent.com/uBlockOrigin/uAssets/master/filters/filters.txt", "uBlock filters", "default", true},
	{"https://raw.githubusercontent.com/uBlockOrigin/uAssets/master/filters/badware.txt", "uBlock filters - Badware risks", "default", true},
	{"https://raw.githubusercontent.com/uBlockOrigin/uAssets/master/filters/privacy.txt", "uBlock filters - Privacy", "default", true},
	{"https://raw.githubusercontent.com/uBlockOrigin/uAssets/master/filters/unbreak.txt", "uBlock filters - Unbreak", "default", true},

	{"https://filters.adtidy.org/extension/ublock/filters/2_without_easylist.txt", "AdGuard Base", "ads", false},
	{"https://easylist.to/easylist/easylist.txt", "EasyList", "ads", true},

	{"https://filters.adtidy.org/extension/ublock/filters/3.txt", "AdGuard Tracking Protection", "privacy", false},
	{"https://easylist.to/easylist/easyprivacy.txt", "EasyPrivacy", "privacy", true},

	{"https://curben.gitlab.io/malware-filter/phishing-filter.txt", "Phishing URL Blocklist", "malware", false},
	{"https://curben.gitlab.io/malware-filter/pup-filter.txt", "PUP Domains Blocklist", "malware", false},

	{"https://filters.adtidy.org/extension/ublock/filters/14.txt", "AdGuard Annoyances", "social", false},
	{"https://easylist.to/easylist/fanboy-social.txt", "Fanboy's Social", "social", false},

	{"https://easylist.to/easylistgermany/easylistgermany.txt", "DEU: EasyList Germany", "regional", false},
	{"https://easylist-downloads.adblockplus.org/easylistdutch.txt", "NLD: EasyList Dutch", "regional", false},
}

// DefaultFilterLists returns the built-in filter list catalogue with
// content-addressed file names computed via filtercache.FileName, so the
// returned lists are ready to hand to Updater.SetLists.
func DefaultFilterLists(fileNameOf func(url string) string) []FilterList {
	out := make([]FilterList, 0, len(defaultFilterTable))
	for _, e := range defaultFilterTable {
		out = append(out, FilterList{
			Enabled:  e.enabledByDefault,
			Title:    e.title,
			Group:    e.group,
			FileName: fileNameOf(e.url),
			URL:      e.url,
		})
	}
	return out
}
