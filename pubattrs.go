package apkdecode

// publicAttrNames maps well-known AOSP public attribute resource IDs
// (frameworks/base/core/res/res/values/public.xml, generated into
// android.R.attr) to their bare names. Android resolves manifest
// attributes by this ID, not by the string table entry, so a minified
// or obfuscated manifest can still be parsed correctly as long as its
// attributes use IDs from this well-known range.
//
// This is a curated subset covering the attributes that actually appear
// in AndroidManifest.xml, not the full generated table AOSP ships
// (tens of thousands of entries spanning every public resource type,
// not just attrs) — there was no public.xml available to regenerate it
// from here.
var publicAttrNames = map[uint32]string{
	0x01010000: "theme",
	0x01010001: "label",
	0x01010002: "icon",
	0x01010003: "name",
	0x01010009: "screenOrientation",
	0x0101000c: "permission",
	0x0101000d: "enabled",
	0x0101000e: "debuggable",
	0x01010010: "persistent",
	0x01010011: "taskAffinity",
	0x01010012: "multiprocess",
	0x01010013: "finishOnTaskLaunch",
	0x01010014: "clearTaskOnLaunch",
	0x01010015: "stateNotNeeded",
	0x01010016: "excludeFromRecents",
	0x01010017: "authorities",
	0x01010018: "syncable",
	0x01010019: "initOrder",
	0x0101001a: "grantUriPermissions",
	0x0101001b: "priority",
	0x0101001c: "launchMode",
	0x0101001d: "screenOrientation",
	0x0101001f: "configChanges",
	0x01010021: "minSdkVersion",
	0x01010024: "protectionLevel",
	0x01010025: "permissionGroup",
	0x01010026: "sharedUserId",
	0x01010027: "hasCode",
	0x0101002c: "process",
	0x0101002d: "textColor",
	0x01010040: "installLocation",
	0x01010270: "isGame",
	0x0101026c: "banner",
	0x0101028e: "roundIcon",
	0x010102b3: "requestLegacyExternalStorage",
	0x0101055d: "appComponentFactory",
	0x01010572: "targetSdkVersion",
	0x010103f2: "fullBackupContent",
	0x01010201: "versionName",
	0x0101020c: "exported",
	0x0101026f: "isolatedProcess",
	0x01010394: "allowBackup",
	0x0101021b: "targetPackage",
	0x0101028d: "supportsRtl",
	0x010104ea: "requiredFeature",
}

// getAttributeName resolves a manifest attribute resource ID the way
// the platform loader does: a fixed ID-to-name mapping, falling back to
// "" (letting the caller try the string table instead) for anything
// outside the curated set.
func getAttributeName(resID uint32) string {
	if name, ok := publicAttrNames[resID]; ok {
		return name
	}
	return ""
}
