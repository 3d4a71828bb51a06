package core

// Version of the vault tools
const Version = "v1.0.0"
