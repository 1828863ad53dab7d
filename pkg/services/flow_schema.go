package services

// flowDefinitionSchema validates the structural shape of a flow graph
// before the model-level checks run.
const flowDefinitionSchema = `{
  "type": "object",
  "required": ["name", "trigger_type", "nodes", "edges"],
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "trigger_type": {"type": "string", "enum": ["tag", "sale", "manual"]},
    "trigger_tags": {"type": "array", "items": {"type": "string"}},
    "pause_other_flows": {"type": "boolean"},
    "instance_ids": {"type": "array", "items": {"type": "string"}},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["start", "message", "delay", "condition", "tag", "end"]},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_id", "target_id"],
        "properties": {
          "source_id": {"type": "string", "minLength": 1},
          "target_id": {"type": "string", "minLength": 1},
          "branch": {"type": "string", "enum": ["", "true", "false"]}
        }
      }
    }
  }
}`
