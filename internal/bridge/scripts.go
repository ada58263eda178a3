package bridge

import "fmt"

// The extension APIs are callback based; each expression wraps them in a
// Promise that rejects on chrome.runtime.lastError.

const promisify = `(fn) => new Promise((resolve, reject) => fn((v) => {
	const err = chrome.runtime.lastError;
	if (err) { reject(new Error(err.message)); } else { resolve(v); }
}))`

func tabsQueryExpr(query string) string {
	return fmt.Sprintf(`(async () => {
	const call = %s;
	const tabs = await call((cb) => chrome.tabs.query(%s, cb));
	return tabs.map((t) => ({id: t.id, title: t.title || "", url: t.url || "", active: t.active, groupId: t.groupId}));
})()`, promisify, query)
}

var groupsQueryExpr = fmt.Sprintf(`(async () => {
	const call = %s;
	const groups = await call((cb) => chrome.tabGroups.query({}, cb));
	const tabs = await call((cb) => chrome.tabs.query({}, cb));
	return groups.map((g) => ({
		id: g.id,
		title: g.title || "",
		color: g.color,
		tabCount: tabs.filter((t) => t.groupId === g.id).length,
	}));
})()`, promisify)

var ungroupedCountExpr = fmt.Sprintf(`(async () => {
	const call = %s;
	const tabs = await call((cb) => chrome.tabs.query({groupId: chrome.tabGroups.TAB_GROUP_ID_NONE}, cb));
	return tabs.length;
})()`, promisify)

// groupTabsExprFmt takes one JSON argument {titles, title, color}.
const groupTabsExprFmt = `(async (args) => {
	const call = ` + promisify + `;
	const tabs = await call((cb) => chrome.tabs.query({}, cb));
	const ids = tabs.filter((t) => args.titles.includes(t.title)).map((t) => t.id);
	if (ids.length === 0) { throw new Error("no tabs titled " + args.titles.join(", ")); }
	const groupId = await call((cb) => chrome.tabs.group({tabIds: ids}, cb));
	await call((cb) => chrome.tabGroups.update(groupId, {title: args.title, color: args.color}, cb));
	return groupId;
})(%s)`
