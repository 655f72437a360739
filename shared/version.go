package shared

// Version is the SDK version embedded in deploy metadata and log fields.
const Version = "0.1.8"
