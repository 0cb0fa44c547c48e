package validators

import "go.mongodb.org/mongo-driver/bson"

var nullableString = bson.A{"string", "null"}

// ChangeLogValidator enforces the flat changelog record layout. Unknown fields
// are tolerated so older records written by other tools stay valid.
var ChangeLogValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType":    "object",
		"description": "Database change log.",
		"required":    []string{"id", "author", "fileName", "execType"},
		"properties": bson.M{
			"id":            bson.M{"bsonType": "string"},
			"author":        bson.M{"bsonType": "string"},
			"fileName":      bson.M{"bsonType": "string"},
			"dateExecuted":  bson.M{"bsonType": bson.A{"date", "null"}},
			"orderExecuted": bson.M{"bsonType": bson.A{"int", "null"}},
			"execType": bson.M{
				"bsonType": "string",
				"enum":     []string{"EXECUTED", "FAILED", "SKIPPED", "RERAN", "MARK_RAN"},
			},
			"md5sum":       bson.M{"bsonType": nullableString},
			"description":  bson.M{"bsonType": nullableString},
			"comments":     bson.M{"bsonType": nullableString},
			"tag":          bson.M{"bsonType": nullableString},
			"contexts":     bson.M{"bsonType": nullableString},
			"labels":       bson.M{"bsonType": nullableString},
			"deploymentId": bson.M{"bsonType": nullableString},
			"liquibase":    bson.M{"bsonType": nullableString},
		},
	},
}

// Options applied together with a validator on create and collMod.
const (
	ValidationLevelStrict = "strict"
	ValidationActionError = "error"
)

// CollectionOptions returns the create/collMod options that install validator.
func CollectionOptions(validator bson.M) bson.D {
	return bson.D{
		{Key: "validator", Value: validator},
		{Key: "validationLevel", Value: ValidationLevelStrict},
		{Key: "validationAction", Value: ValidationActionError},
	}
}
