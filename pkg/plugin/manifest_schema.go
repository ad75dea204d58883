package plugin

// ManifestSchema is the JSON Schema for plugin.json.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version", "runtime", "entry"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[A-Za-z0-9][A-Za-z0-9 ._-]*$",
      "description": "Unique plugin name"
    },
    "version": {
      "type": "string",
      "minLength": 1,
      "description": "Plugin version, semver preferred"
    },
    "runtime": {
      "type": "string",
      "enum": ["lua", "native"]
    },
    "entry": {
      "type": "string",
      "minLength": 1,
      "description": "Entry file (lua) or registered entry point (native)"
    },
    "api_version": {
      "type": "integer",
      "description": "Requested capability API version"
    },
    "description": {
      "type": "string"
    },
    "author": {
      "type": "string"
    },
    "flags": {
      "type": "array",
      "items": { "type": "string" },
      "uniqueItems": true
    }
  }
}`
