package chronos

// Version is the SemVer of this module, bumped on release.
const Version = "1.2.0"
