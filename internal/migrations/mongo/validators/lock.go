package validators

import "go.mongodb.org/mongo-driver/bson"

var LockValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType": "object",
		"required": []string{"_id", "locked"},
		"properties": bson.M{
			"_id":         bson.M{"bsonType": "int"},
			"locked":      bson.M{"bsonType": "bool"},
			"lockGranted": bson.M{"bsonType": bson.A{"date", "null"}},
			"lockedBy":    bson.M{"bsonType": bson.A{"string", "null"}},
		},
	},
}
